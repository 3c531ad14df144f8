package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultBindAddress, cfg.BindAddress)
	require.Equal(t, DefaultRealm, cfg.Realm)
	require.Equal(t, DefaultT1, cfg.T1)
	require.Equal(t, DefaultExpires, cfg.RegistrationExpires)
	require.Equal(t, "127.0.0.1", cfg.Host())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BIND_ADDRESS", "0.0.0.0:5080")
	t.Setenv("REALM", "sip.example.com")
	t.Setenv("TIMER_T1_MS", "250")
	t.Setenv("REGISTRATION_DEFAULT_EXPIRES_S", "60")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:5080", cfg.BindAddress)
	require.Equal(t, "sip.example.com", cfg.Realm)
	require.Equal(t, 250*time.Millisecond, cfg.T1)
	require.Equal(t, time.Minute, cfg.RegistrationExpires)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("BIND_ADDRESS", "no-port-here")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("BIND_ADDRESS", "127.0.0.1:5060")
	t.Setenv("TIMER_T1_MS", "zero")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("TIMER_T1_MS", "-5")
	_, err = Load()
	require.Error(t, err)
}
