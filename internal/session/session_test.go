package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProxySettings(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ProxySettings
		wantErr bool
	}{
		{
			name: "host and port",
			raw:  "proxy.example:8080",
			want: ProxySettings{Host: "proxy.example", Port: "8080"},
		},
		{
			name: "http prefix stripped",
			raw:  "http://proxy.example:8080",
			want: ProxySettings{Host: "proxy.example", Port: "8080"},
		},
		{
			name: "credentials",
			raw:  "user:secret@proxy.example:3128",
			want: ProxySettings{Host: "proxy.example", Port: "3128", Username: "user", Password: "secret"},
		},
		{
			name:    "missing port",
			raw:     "proxy.example",
			wantErr: true,
		},
		{
			name:    "credentials without colon",
			raw:     "user@proxy.example:8080",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProxySettings(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestProxySettingsURL(t *testing.T) {
	p := ProxySettings{Host: "proxy.example", Port: "8080", Username: "u", Password: "p"}
	u := p.URL()
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "proxy.example:8080", u.Host)
	pass, _ := u.User.Password()
	assert.Equal(t, "u", u.User.Username())
	assert.Equal(t, "p", pass)
}

func TestIPAllowed(t *testing.T) {
	s := New(GenerateID())
	assert.True(t, s.IPAllowed("5.6.7.8"), "unrestricted session accepts any IP")

	s.RestrictIP = "1.2.3.4"
	assert.True(t, s.IPAllowed("1.2.3.4"))
	assert.False(t, s.IPAllowed("5.6.7.8"))

	// Never-expiring wins over an IP pin set at creation.
	s.NeverExpire = true
	assert.True(t, s.IPAllowed("5.6.7.8"))
}

func TestShufflingToggle(t *testing.T) {
	s := New(GenerateID())
	require.Nil(t, s.Shuffler())

	s.EnableShuffling()
	first := s.ShuffleDict
	require.NotEmpty(t, first)
	require.NotNil(t, s.Shuffler())

	// Enabling again keeps the existing dictionary.
	s.EnableShuffling()
	assert.Equal(t, first, s.ShuffleDict)

	s.DisableShuffling()
	assert.Nil(t, s.Shuffler())

	// Toggling back on generates a fresh dictionary; old links go stale by
	// design.
	s.EnableShuffling()
	assert.NotEmpty(t, s.ShuffleDict)
	assert.NotEqual(t, first, s.ShuffleDict)
}

func TestRecordRoundTrip(t *testing.T) {
	s := New(GenerateID())
	s.RestrictIP = "1.2.3.4"
	s.ExternalProxy = &ProxySettings{Host: "proxy.example", Port: "8080"}
	s.EnableShuffling()

	data, err := s.MarshalRecord()
	require.NoError(t, err)

	got, err := UnmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.RestrictIP, got.RestrictIP)
	assert.Equal(t, s.ShuffleDict, got.ShuffleDict)
	require.NotNil(t, got.ExternalProxy)
	assert.Equal(t, *s.ExternalProxy, *got.ExternalProxy)
}

func TestUnmarshalRejectsNewerVersion(t *testing.T) {
	_, err := UnmarshalRecord([]byte(`{"v":99,"id":"x"}`))
	require.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	s := New(GenerateID())
	s.ExternalProxy = &ProxySettings{Host: "proxy.example", Port: "8080"}
	c := s.Clone()
	c.RestrictIP = "9.9.9.9"
	c.ExternalProxy.Host = "other"
	assert.Empty(t, s.RestrictIP)
	assert.Equal(t, "proxy.example", s.ExternalProxy.Host)
}
