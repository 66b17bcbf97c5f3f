package models

// RemoveRequest asks for paths under a prefix to be deleted, falling back to
// the trash when a path is in use.
type RemoveRequest struct {
	Prefix string   `json:"prefix"`
	Paths  []string `json:"paths"`
}

// RemovedPath records what happened to one requested path.
type RemovedPath struct {
	Path      string `json:"path"`
	Outcome   string `json:"outcome"`
	Removed   int    `json:"removed"`
	Tombstone string `json:"tombstone,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RemoveResponse is the result of a remove operation.
type RemoveResponse struct {
	Prefix     string        `json:"prefix"`
	Results    []RemovedPath `json:"results"`
	Removed    int           `json:"removed"`
	Tombstoned int           `json:"tombstoned"`
	Failed     int           `json:"failed"`
}

// CleanTrashRequest asks for trashed files under a prefix to be deleted.
type CleanTrashRequest struct {
	Prefix string `json:"prefix"`
	Deep   bool   `json:"deep"`
}

// CleanTrashResponse reports how many trash entries were deleted and which
// are still pending.
type CleanTrashResponse struct {
	Prefix    string   `json:"prefix"`
	Deep      bool     `json:"deep"`
	Deleted   int      `json:"deleted"`
	Remaining []string `json:"remaining"`
}
