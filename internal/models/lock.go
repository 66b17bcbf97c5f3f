package models

// LockStatus describes the lock state of one path.
type LockStatus struct {
	Path         string `json:"path"`
	LockfilePath string `json:"lockfile_path"`
	// Locked reports whether any process currently holds the lock.
	Locked bool `json:"locked"`
	// HeldByThisProcess is true when the lock is owned through this
	// process's registry rather than observed on the file.
	HeldByThisProcess bool `json:"held_by_this_process"`
	// HolderPID is the holding process when the OS reports it.
	HolderPID int    `json:"holder_pid,omitempty"`
	Error     string `json:"error,omitempty"`
}

// LockStatusRequest lists the paths to inspect.
type LockStatusRequest struct {
	Paths []string `json:"paths"`
}

// LockStatusResponse is the result of a status query.
type LockStatusResponse struct {
	Statuses       []LockStatus `json:"statuses"`
	LockingEnabled bool         `json:"locking_enabled"`
	Backend        string       `json:"backend"`
}
