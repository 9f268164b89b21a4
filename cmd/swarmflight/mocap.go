package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/swarmflight/internal/config"
	"github.com/banshee-data/swarmflight/internal/mocap"
	"github.com/banshee-data/swarmflight/internal/timeutil"
)

// startMocap fills a fix store from a pcap replay or from the live UDP feed,
// optionally recording the live feed. The feed runs on g until ctx is done.
func startMocap(ctx context.Context, g *errgroup.Group, cfg *config.FleetConfig, o options) (*mocap.Store, error) {
	store := mocap.NewStore(timeutil.RealClock{}, cfg.MocapStaleAfter())

	if o.mocapPCAP != "" {
		f, err := os.Open(o.mocapPCAP)
		if err != nil {
			return nil, fmt.Errorf("failed to open mocap capture: %w", err)
		}
		g.Go(func() error {
			defer f.Close()
			stats, err := mocap.ReplayPCAP(ctx, bufio.NewReader(f), store, mocap.ReplayOptions{Pace: true})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("mocap replay failed: %v", err)
			}
			log.Printf("mocap replay finished: %d packets, %d frames, %d skipped", stats.Packets, stats.Frames, stats.Skipped)
			return nil
		})
		return store, nil
	}

	listenerCfg := mocap.UDPListenerConfig{
		Address: cfg.MocapListen(),
		RcvBuf:  1 << 20,
		Store:   store,
	}

	var capture *os.File
	if o.mocapRecord != "" {
		local, err := net.ResolveUDPAddr("udp", listenerCfg.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve mocap address: %w", err)
		}
		capture, err = os.Create(o.mocapRecord)
		if err != nil {
			return nil, fmt.Errorf("failed to create mocap capture: %w", err)
		}
		w, err := mocap.NewCaptureWriter(capture, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: local.Port})
		if err != nil {
			capture.Close()
			return nil, err
		}
		listenerCfg.Tap = w.Tap()
		log.Printf("recording mocap datagrams to %s", o.mocapRecord)
	}

	listener := mocap.NewUDPListener(listenerCfg)
	if err := listener.Bind(); err != nil {
		if capture != nil {
			capture.Close()
		}
		return nil, err
	}

	g.Go(func() error {
		if capture != nil {
			defer capture.Close()
		}
		if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("mocap listener failed: %v", err)
		}
		return nil
	})
	return store, nil
}
