package commands

import (
	"log/slog"

	"github.com/chaz8081/meshprov/internal/ble"
	"github.com/chaz8081/meshprov/internal/scan"
)

// listener feeds live advertisements into a scan cache.
type listener struct {
	radio       *ble.Radio
	cache       *scan.Cache
	scanner     *ble.Scanner
	unsubscribe func()
}

// startListener enables the radio and starts scanning into a new cache.
// Turning the radio off empties both pools.
func (a *app) startListener() (*listener, error) {
	radio := ble.NewRadio(true)
	opts := scan.DefaultOptions()
	opts.KeepTime = a.cfg.Scan.KeepTime
	opts.SweepInterval = a.cfg.Scan.SweepInterval
	cache := scan.NewCache(opts)

	unsubscribe := radio.Subscribe(func(enabled bool) {
		if !enabled {
			cache.Clear(scan.NodePool)
			cache.Clear(scan.ProvisionPool)
		}
	})

	scanner := ble.NewScanner(ble.NewTinyGoAdapter(radio), ble.ScannerOptions{
		Radio: radio,
		OnError: func(err error) {
			slog.Error("[SCAN] scan failed", "error", err)
		},
	})
	err := scanner.Start(ble.ScanFilter{}, func(adv ble.Advertisement) {
		cache.Observe(adv.Address, adv.Payload, adv.RSSI)
	})
	if err != nil {
		unsubscribe()
		return nil, err
	}
	return &listener{radio: radio, cache: cache, scanner: scanner, unsubscribe: unsubscribe}, nil
}

func (l *listener) stop() {
	l.scanner.Stop()
	l.unsubscribe()
}

// scanFilter builds the provision pool filter from config and flag overrides.
func (a *app) scanFilter(f filterFlags) scan.Filter {
	sc := a.cfg.Scan
	if f.rssiMin != 0 {
		sc.RSSIMin = f.rssiMin
	}
	if f.rssiMax != 0 {
		sc.RSSIMax = f.rssiMax
	}
	if f.name != "" {
		sc.Name = f.name
	}
	if f.uuid != "" {
		sc.UUID = f.uuid
	}
	return scan.Filter{
		RSSIMin: scan.RSSIBound(sc.RSSIMin),
		RSSIMax: scan.RSSIBound(sc.RSSIMax),
		Name:    sc.Name,
		UUID:    sc.UUID,
	}
}

type filterFlags struct {
	rssiMin, rssiMax int
	name, uuid       string
}
