package transfer

import (
	"fmt"
	"sync"
	"time"
)

// TransferStatus is the per-run state shown to the user.
type TransferStatus string

const (
	StatusInProgress TransferStatus = "in_progress"
	StatusPaused     TransferStatus = "paused"
	StatusCompleted  TransferStatus = "completed"
	StatusFailed     TransferStatus = "failed"
)

// ProgressTracker tracks the progress of running uploads. Entries are
// transient: they are dropped once an upload completes.
type ProgressTracker struct {
	transfers map[string]*TransferProgress
	mu        sync.RWMutex
	now       func() time.Time
}

// TransferProgress is a snapshot of one upload's progress.
type TransferProgress struct {
	UploadID       string
	FileName       string
	Status         TransferStatus
	BytesSent      uint64
	TotalBytes     uint64
	StartOffset    uint64
	StartTime      time.Time
	LastUpdateTime time.Time
	Speed          float64 // bytes per second in this run
	EstimatedTime  time.Duration
}

// Percent is the completed share in [0,100].
func (p TransferProgress) Percent() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return float64(p.BytesSent) / float64(p.TotalBytes) * 100.0
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		transfers: make(map[string]*TransferProgress),
		now:       time.Now,
	}
}

// StartTracking starts (or restarts) tracking an upload resuming at offset.
func (pt *ProgressTracker) StartTracking(uploadID, fileName string, offset, totalBytes uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := pt.now()
	pt.transfers[uploadID] = &TransferProgress{
		UploadID:       uploadID,
		FileName:       fileName,
		Status:         StatusInProgress,
		BytesSent:      offset,
		TotalBytes:     totalBytes,
		StartOffset:    offset,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// UpdateProgress records the acknowledged byte count of an upload.
func (pt *ProgressTracker) UpdateProgress(uploadID string, bytesSent uint64, status TransferStatus) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	progress, exists := pt.transfers[uploadID]
	if !exists {
		return
	}

	now := pt.now()
	progress.BytesSent = bytesSent
	progress.Status = status
	progress.LastUpdateTime = now

	// Speed only counts bytes sent in this run.
	if elapsed := now.Sub(progress.StartTime).Seconds(); elapsed > 0 && bytesSent >= progress.StartOffset {
		progress.Speed = float64(bytesSent-progress.StartOffset) / elapsed
	}

	progress.EstimatedTime = 0
	if progress.Speed > 0 && progress.TotalBytes > bytesSent {
		remaining := float64(progress.TotalBytes - bytesSent)
		progress.EstimatedTime = time.Duration(remaining / progress.Speed * float64(time.Second))
	}
}

// GetProgress returns a snapshot of an upload's progress.
func (pt *ProgressTracker) GetProgress(uploadID string) (TransferProgress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	progress, exists := pt.transfers[uploadID]
	if !exists {
		return TransferProgress{}, false
	}
	return *progress, true
}

// RemoveTransfer removes an upload from tracking
func (pt *ProgressTracker) RemoveTransfer(uploadID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	delete(pt.transfers, uploadID)
}

// String renders a one-line summary.
func (p TransferProgress) String() string {
	s := fmt.Sprintf("%s: %s/%s (%.1f%%) %s",
		p.FileName, FormatBytes(p.BytesSent), FormatBytes(p.TotalBytes), p.Percent(), p.Status)
	if p.Speed > 0 {
		s += fmt.Sprintf(", %s/s", FormatBytes(uint64(p.Speed)))
	}
	if p.EstimatedTime > 0 {
		s += ", ETA " + formatDuration(p.EstimatedTime)
	}
	return s
}

// FormatBytes formats bytes into human-readable format
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatDuration formats duration into human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}
