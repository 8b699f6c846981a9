package goble

import (
	"context"
	"errors"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/hrmon/internal/device"
	"github.com/srg/hrmon/internal/groutine"
)

// ScanStartGrace is how long StartScan waits for the stack to reject a scan.
// go-ble reports adapter state problems (Bluetooth off, no HCI device) right away;
// errors after this window are only logged.
var ScanStartGrace = 200 * time.Millisecond

type scanState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartScan runs a go-ble scan in the background and converts each advertising
// report for handler. Duplicate reports are passed through; the scan session
// deduplicates.
func (t *Transport) StartScan(handler device.ScanHandler) error {
	if handler == nil {
		return errors.New("scan handler is required")
	}

	t.mu.Lock()
	if t.scan != nil {
		t.mu.Unlock()
		return device.ErrScanActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &scanState{cancel: cancel, done: make(chan struct{})}
	t.scan = st
	t.mu.Unlock()

	errCh := make(chan error, 1)
	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		defer close(st.done)
		err := t.central.Scan(ctx, true, func(adv ble.Advertisement) {
			handler(convertAdvertisement(adv))
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			errCh <- NormalizeError(err)
		}
	})

	select {
	case err := <-errCh:
		t.clearScan(st)
		cancel()
		return err
	case <-st.done:
		t.clearScan(st)
		cancel()
		select {
		case err := <-errCh:
			return err
		default:
			return nil
		}
	case <-time.After(ScanStartGrace):
	}

	groutine.Go(context.Background(), "ble-scan-errors", func(context.Context) {
		<-st.done
		select {
		case err := <-errCh:
			t.logger.WithField("error", err).Error("BLE scan failed")
			t.clearScan(st)
		default:
		}
	})

	t.logger.Debug("BLE scan started")
	return nil
}

// StopScan cancels the active scan and waits for go-ble to return.
func (t *Transport) StopScan() error {
	t.mu.Lock()
	st := t.scan
	t.scan = nil
	t.mu.Unlock()

	if st == nil {
		return nil
	}
	st.cancel()
	<-st.done

	t.logger.Debug("BLE scan stopped")
	return nil
}

func (t *Transport) clearScan(st *scanState) {
	t.mu.Lock()
	if t.scan == st {
		t.scan = nil
	}
	t.mu.Unlock()
}
