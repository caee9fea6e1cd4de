package main

import "encoding/json"

// ProfileSummaryDTO represents a minimal profile list item.
type ProfileSummaryDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// profileEntry is a loaded engine config ready to be served as-is.
type profileEntry struct {
	ID     string
	Name   string
	Config json.RawMessage
}
