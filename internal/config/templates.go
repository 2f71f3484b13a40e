package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(mode string) (string, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(mode))) {
	case ModeHost:
		return hostTemplate, nil
	case ModeGuest:
		return guestTemplate, nil
	case ModeCombined:
		return combinedTemplate, nil
	default:
		return "", fmt.Errorf("unknown config mode: %s", mode)
	}
}

func WriteTemplate(path, mode string, overwrite bool) error {
	template, err := Template(mode)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hostTemplate = `id = "regsync.host"
mode = "host"
transport = "tcp"
listen = "127.0.0.1:7400"
roots = ["data"]
watch = true
debounce = "500ms"
admin_addr = "127.0.0.1:7401"
admin_token = ""
cors_origins = ["http://localhost:3000"]
loaded = ["arms"]

[flags]
experimental = false

[session]
handshake_timeout = "5s"
write_timeout = "15s"
compress_threshold = 4096
security_mode = "development"
`

const guestTemplate = `id = "regsync.guest"
mode = "guest"
transport = "tcp"
connect = "127.0.0.1:7400"
admin_addr = "127.0.0.1:7402"

[session]
max_connect_attempts = 0
# a positive idle_timeout pings the host every third of the timeout
idle_timeout = "0s"
`

const combinedTemplate = `id = "regsync.combined"
mode = "combined"
transport = "ws"
listen = "127.0.0.1:7400"
roots = ["data", "overrides"]
watch = true
admin_addr = "127.0.0.1:7401"
loaded = ["arms"]

[vars]
edition = "standard"
`
