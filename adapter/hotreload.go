package adapter

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// OnHangup calls reload each time the process receives SIGHUP, until ctx is
// done. Reload errors are logged and the old settings stay in place.
func OnHangup(ctx context.Context, reload func() error) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if err := reload(); err != nil {
					log.Errorf("reload: %v", err)
					continue
				}
				log.Infof("reloaded")
			}
		}
	}()
}
