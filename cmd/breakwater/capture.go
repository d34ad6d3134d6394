// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"

	"grimm.is/breakwater/internal/config"
	"grimm.is/breakwater/internal/engine"
	"grimm.is/breakwater/internal/logging"
)

// runCapture feeds live traffic through the engine as an observer: the
// userspace daemon cannot drop frames the kernel already accepted, so
// verdicts show up in the statistics (and through the scorer, in the
// blocklist and its XDP mirror) rather than on the wire.
func runCapture(ctx context.Context, cfg *config.CaptureConfig, eng *engine.Engine, logger *logging.Logger) {
	log := logger.WithComponent("capture")

	handle, err := pcap.OpenLive(cfg.Interface, int32(cfg.SnapLen), cfg.Promiscuous, pcap.BlockForever)
	if err != nil {
		log.Error("Failed to open capture interface", "interface", cfg.Interface, "error", err)
		return
	}
	defer handle.Close()

	workers := eng.Stats().Workers()
	frames := make(chan []byte, 1024)
	for i := 0; i < workers; i++ {
		go func(worker int) {
			for frame := range frames {
				eng.Process(frame, worker)
			}
		}(i)
	}
	defer close(frames)

	log.Info("Capture started", "interface", cfg.Interface, "snaplen", cfg.SnapLen, "workers", workers)

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for {
		select {
		case <-ctx.Done():
			log.Info("Capture stopped")
			return
		case packet, ok := <-source.Packets():
			if !ok {
				log.Warn("Capture source closed")
				return
			}
			frames <- packet.Data()
		}
	}
}
