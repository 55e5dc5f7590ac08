package bridge

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/symgrid/iot-cloud-apps/internal/directory"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
)

const defaultPrivatePort = 1883

// Tenant is one bridged application and its private broker.
type Tenant struct {
	Name string
	// Host is the private broker URL, mqtt://<client id>@host:port.
	Host     string
	User     string
	Password string
	// Modified changes whenever the tenant's settings change.
	Modified string
	// AuthCode lists the tenant's devices in the directory.
	AuthCode string
}

// TenantFromApp converts a directory app entry.
func TenantFromApp(a directory.App) Tenant {
	return Tenant{
		Name:     a.Name,
		Host:     a.MQTTHost,
		User:     a.MQTTUsername,
		Password: a.MQTTPassword,
		Modified: a.Modified,
		AuthCode: a.AuthCode,
	}
}

// String returns the tenant name; credentials are never printed.
func (t Tenant) String() string {
	return t.Name
}

// PrivateConfig derives the private broker settings from the tenant's host
// URL on top of base. The URL user part becomes the client id, falling
// back to defaultClientID.
func (t Tenant) PrivateConfig(base config.MQTTConfig, defaultClientID string) (config.MQTTConfig, error) {
	raw := strings.TrimSpace(t.Host)
	if raw == "" {
		return config.MQTTConfig{}, fmt.Errorf("tenant %s: empty broker host", t.Name)
	}
	if !strings.Contains(raw, "://") {
		raw = "mqtt://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return config.MQTTConfig{}, fmt.Errorf("tenant %s: parsing broker host: %w", t.Name, err)
	}
	if u.Hostname() == "" {
		return config.MQTTConfig{}, fmt.Errorf("tenant %s: broker host has no hostname", t.Name)
	}

	port := defaultPrivatePort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return config.MQTTConfig{}, fmt.Errorf("tenant %s: invalid broker port %q", t.Name, p)
		}
	}

	cfg := base
	cfg.Broker.Host = u.Hostname()
	cfg.Broker.Port = port
	cfg.Broker.TLS = u.Scheme == "mqtts" || u.Scheme == "ssl" || u.Scheme == "tls"
	cfg.Broker.ClientID = defaultClientID
	if u.User != nil && u.User.Username() != "" {
		cfg.Broker.ClientID = u.User.Username()
	}
	cfg.Auth = config.MQTTAuthConfig{Username: t.User, Password: t.Password}
	return cfg, nil
}

// CentralConfig is base with the bridge's client id for this tenant.
func (t Tenant) CentralConfig(base config.MQTTConfig, prefix string) config.MQTTConfig {
	cfg := base
	cfg.Broker.ClientID = prefix + "." + t.Name
	return cfg
}
