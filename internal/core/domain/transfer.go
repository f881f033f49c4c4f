package domain

import "time"

// Chunk is one offset-addressed piece of a file transfer.
type Chunk struct {
	Filename        string
	Payload         []byte
	Offset          int64
	TotalSize       int64
	UnknownLength   bool
	DestinationPath string
}

// TransferStatus is the inspection view of an in-flight download buffer.
type TransferStatus struct {
	Filename      string    `json:"filename"`
	TotalSize     int64     `json:"total_size"`
	Received      int64     `json:"received"`
	Chunks        int       `json:"chunks"`
	UnknownLength bool      `json:"unknown_length"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TransferResult describes a completed transfer.
type TransferResult struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}
