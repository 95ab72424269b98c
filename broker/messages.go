// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

// ValueMessage is the payload of a "v" notification.
type ValueMessage struct {
	Path     string      `json:"p"`
	Value    interface{} `json:"v"`
	Progress int64       `json:"n"`
	QueryID  string      `json:"q,omitempty"`
	After    *string     `json:"aft,omitempty"`
}

// QueryDoneMessage is the payload of a "qd" notification, emitted once
// a query's initial snapshot has been fully delivered.
type QueryDoneMessage struct {
	QueryID string `json:"q"`
}

// QueryExitMessage is the payload of a "qx" notification, emitted when
// an element leaves a query's result set.
type QueryExitMessage struct {
	QueryID  string `json:"q"`
	Path     string `json:"p"`
	Progress int64  `json:"n"`
}
