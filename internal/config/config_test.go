package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usmd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
engine_id: "0x80001f8805aabbccdd"
state_file: /var/lib/usmd/engine.json
listen: ["127.0.0.1:1161", "[::1]:1161"]
metrics_addr: ":9161"
users_file: /var/lib/usmd/users.conf
persist_schedule: "*/10 * * * *"
users:
  - name: alice
    auth: sha
    auth_passphrase: authpassword123
    priv: aes
    priv_passphrase: privpassword123
  - name: monitor
    engine_id: "8000000001020304"
    auth: sha256
    auth_key: "00:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee:ff:00:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee:ff"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:1161", "[::1]:1161"}, cfg.Listen)
	require.Equal(t, DefaultMaxMessageSize, cfg.MaxMessageSize)
	require.Equal(t, "*/10 * * * *", cfg.PersistSchedule)
	require.Len(t, cfg.Users, 2)

	local := []byte{0x80, 0x00, 0x1f, 0x88, 0x05, 0xaa, 0xbb, 0xcc, 0xdd}
	alice, err := cfg.Users[0].SessionParams(local)
	require.NoError(t, err)
	require.Equal(t, local, alice.EngineID)
	require.Equal(t, v3.AuthSHA1, alice.AuthProtocol)
	require.Equal(t, v3.PrivAES128, alice.PrivProtocol)
	require.Equal(t, "authpassword123", alice.AuthPassphrase)

	monitor, err := cfg.Users[1].SessionParams(local)
	require.NoError(t, err)
	require.Equal(t, []byte{0x80, 0, 0, 0, 1, 2, 3, 4}, monitor.EngineID)
	require.Equal(t, v3.AuthSHA256, monitor.AuthProtocol)
	require.Len(t, monitor.AuthKey, 32)
	require.Equal(t, byte(0xff), monitor.AuthKey[15])
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{DefaultListen}, cfg.Listen)
	require.Equal(t, DefaultPersistSchedule, cfg.PersistSchedule)
	require.Empty(t, cfg.Users)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config file")

	_, err = Load(writeConfig(t, "users: [unterminated"))
	require.ErrorContains(t, err, "parse config yaml")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"short engine id", `engine_id: "0x8000"`, "engine_id"},
		{"listen without port", `listen: ["127.0.0.1"]`, "listen[0]"},
		{"bad metrics addr", `metrics_addr: "9161"`, "metrics_addr"},
		{"tiny max size", `max_message_size: 100`, "max_message_size"},
		{"bad schedule", `persist_schedule: "every tuesday"`, "persist_schedule"},
		{"missing name", "users:\n  - auth: md5\n    auth_passphrase: password1", "name is required"},
		{"unknown auth", "users:\n  - name: a\n    auth: crc32\n    auth_passphrase: password1", "users[0]"},
		{"auth without secret", "users:\n  - name: a\n    auth: md5", "needs auth_passphrase"},
		{"priv without auth", "users:\n  - name: a\n    priv: des\n    priv_passphrase: password1", "needs an auth protocol"},
		{"priv without secret", "users:\n  - name: a\n    auth: md5\n    auth_passphrase: password1\n    priv: des", "needs priv_passphrase"},
		{"short passphrase", "users:\n  - name: a\n    auth: md5\n    auth_passphrase: short", "shorter than 8"},
		{"secret without auth", "users:\n  - name: a\n    auth_passphrase: password1", "without an auth protocol"},
		{"bad key", "users:\n  - name: a\n    auth: md5\n    auth_key: zz", "auth_key"},
		{"long name", "users:\n  - name: " + strings.Repeat("n", 33), "longer than 32"},
		{"duplicate", "users:\n  - name: a\n  - name: a", "duplicate user"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want containing %q", err, tc.want)
			}
		})
	}
}
