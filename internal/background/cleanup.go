package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// OTPPurger removes verified and expired challenges
type OTPPurger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// TorRefresher refreshes the Tor exit list when it is stale
type TorRefresher interface {
	Refresh(ctx context.Context, force bool) error
	Size() int
}

// CleanupManager runs periodic maintenance: purging OTP challenges and
// keeping the Tor exit list warm so logins rarely wait on a fetch
type CleanupManager struct {
	otp        OTPPurger
	tor        TorRefresher
	logger     *slog.Logger
	purgeEvery time.Duration
	torEvery   time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
	now        func() time.Time
}

// NewCleanupManager creates a new cleanup manager. tor may be nil.
func NewCleanupManager(
	otp OTPPurger,
	tor TorRefresher,
	logger *slog.Logger,
	purgeEvery, torEvery time.Duration,
) *CleanupManager {
	return &CleanupManager{
		otp:        otp,
		tor:        tor,
		logger:     logger,
		purgeEvery: purgeEvery,
		torEvery:   torEvery,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start runs both tasks immediately and then on their tickers until Stop is
// called or ctx is cancelled
func (cm *CleanupManager) Start(ctx context.Context) {
	purgeTicker := time.NewTicker(cm.purgeEvery)
	defer purgeTicker.Stop()

	var torTick <-chan time.Time
	if cm.tor != nil && cm.torEvery > 0 {
		torTicker := time.NewTicker(cm.torEvery)
		defer torTicker.Stop()
		torTick = torTicker.C
	}

	// Run immediately on startup
	cm.RunPurge(ctx)
	cm.RunTorRefresh(ctx, false)

	for {
		select {
		case <-purgeTicker.C:
			cm.RunPurge(ctx)
		case <-torTick:
			cm.RunTorRefresh(ctx, false)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunPurge removes verified and expired OTP challenges
func (cm *CleanupManager) RunPurge(ctx context.Context) int64 {
	purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rowsDeleted, err := cm.otp.Purge(purgeCtx, cm.now())
	if err != nil {
		cm.logger.Error("failed to purge otp challenges", slog.Any("error", err))
		return 0
	}

	if rowsDeleted > 0 {
		cm.logger.Info("otp purge completed", slog.Int64("rows_deleted", rowsDeleted))
	}
	return rowsDeleted
}

// RunTorRefresh refreshes the exit list. Without force a fresh list is kept.
func (cm *CleanupManager) RunTorRefresh(ctx context.Context, force bool) error {
	if cm.tor == nil {
		return nil
	}

	refreshCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := cm.tor.Refresh(refreshCtx, force); err != nil {
		cm.logger.Warn("tor exit list refresh failed", slog.Any("error", err))
		return err
	}

	cm.logger.Debug("tor exit list ready", slog.Int("exit_nodes", cm.tor.Size()))
	return nil
}

// Stop signals the cleanup manager to stop. It is safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
