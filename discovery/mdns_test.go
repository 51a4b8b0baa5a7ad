package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartAdvertiserBuildsExpectedRecord(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID: "device-123",
		DeviceName:   "alice-laptop",
		ServicePort:  9531,
		Logger:       quietLogger(),
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		t.Fatalf("StartAdvertiser failed: %v", err)
	}
	if advertiser == nil {
		t.Fatalf("expected advertiser instance")
	}

	if gotInstance != "alice-laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9531 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "device_id=device-123")
	assertContainsTXT(t, gotTXT, "version=1")
}

func TestStartAdvertiserValidatesConfig(t *testing.T) {
	base := Config{
		SelfDeviceID: "device-123",
		DeviceName:   "alice-laptop",
		ServicePort:  9531,
		Logger:       quietLogger(),
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	}

	missingID := base
	missingID.SelfDeviceID = " "
	if _, err := StartAdvertiser(missingID); err == nil {
		t.Fatalf("expected error for missing device ID")
	}

	missingName := base
	missingName.DeviceName = ""
	if _, err := StartAdvertiser(missingName); err == nil {
		t.Fatalf("expected error for missing device name")
	}

	missingPort := base
	missingPort.ServicePort = 0
	if _, err := StartAdvertiser(missingPort); err == nil {
		t.Fatalf("expected error for missing service port")
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		SelfDeviceID: "self",
		DeviceName:   "self",
		ServicePort:  9531,
		Logger:       quietLogger(),
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Advertiser == nil || svc.Scanner == nil {
		t.Fatalf("expected advertiser and scanner")
	}
	svc.Stop()
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
