package vk

import "encoding/json"

type envelope struct {
	Response json.RawMessage `json:"response"`
	Error    *apiError       `json:"error"`
}

type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

type wallResponse struct {
	Items []struct {
		ID int64 `json:"id"`
	} `json:"items"`
}

type wallComment struct {
	ID     int64  `json:"id"`
	FromID int64  `json:"from_id"`
	Date   int64  `json:"date"`
	Text   string `json:"text"`
	Thread struct {
		Items []wallComment `json:"items"`
	} `json:"thread"`
}

type profile struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type commentsResponse struct {
	Items    []wallComment `json:"items"`
	Profiles []profile     `json:"profiles"`
	Groups   []group       `json:"groups"`
}
