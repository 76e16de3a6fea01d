package domain

import "fmt"

// ProgressQueueSize is the capacity of the bounded progress channels
// between a running transfer or merge and its consumer.
const ProgressQueueSize = 10

// DownloadStatusKind enumerates download progress events
type DownloadStatusKind int

const (
	DownloadProgress DownloadStatusKind = iota
	DownloadVerifying
	DownloadSuccess
	DownloadFailure
)

// DownloadStatus is a single progress event of a package download.
// Bytes is only set for DownloadProgress and carries the chunk length.
type DownloadStatus struct {
	Kind  DownloadStatusKind
	Bytes uint64
}

func (s DownloadStatus) String() string {
	switch s.Kind {
	case DownloadProgress:
		return fmt.Sprintf("progress(%d)", s.Bytes)
	case DownloadVerifying:
		return "verifying"
	case DownloadSuccess:
		return "success"
	case DownloadFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// MergeStatusKind enumerates merge progress events
type MergeStatusKind int

const (
	MergePartProgress MergeStatusKind = iota
	MergeSuccess
	MergeFailure
)

// MergeStatus is a single progress event of a merge.
// Part is only set for MergePartProgress and is the part just merged.
type MergeStatus struct {
	Kind MergeStatusKind
	Part int
}

func (s MergeStatus) String() string {
	switch s.Kind {
	case MergePartProgress:
		return fmt.Sprintf("part(%d)", s.Part)
	case MergeSuccess:
		return "success"
	case MergeFailure:
		return "failure"
	default:
		return "unknown"
	}
}
