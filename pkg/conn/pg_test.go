package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionDSN(t *testing.T) {
	testCases := []struct {
		desc string
		opt  Option
		want string
	}{
		{
			desc: "defaults",
			opt:  Option{Database: "trading"},
			want: "postgres://localhost:5432/trading?sslmode=disable",
		},
		{
			desc: "user password params",
			opt: Option{
				Host:     "db",
				Port:     6543,
				User:     "core",
				Password: "p@ss",
				Database: "trading",
				SSLMode:  "require",
				Params:   map[string]string{"application_name": "tradecore", "": "skip"},
			},
			want: "postgres://core:p%40ss@db:6543/trading?application_name=tradecore&sslmode=require",
		},
		{
			desc: "conn string wins",
			opt:  Option{ConnString: "host=x dbname=y"},
			want: "host=x dbname=y",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := tc.opt.dsn()
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOptionDSNRequiresDatabase(t *testing.T) {
	_, err := Option{Host: "db"}.dsn()
	require.Error(t, err)
}

func TestOptionWithDefaults(t *testing.T) {
	opt := Option{MaxOpenConns: 3}.withDefaults()
	assert.Equal(t, 3, opt.MaxOpenConns)
	assert.Equal(t, defaultMaxIdleConns, opt.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, opt.ConnMaxLifetime)
}

func TestNilClient(t *testing.T) {
	var c *Client
	assert.Nil(t, c.DB())
	assert.NoError(t, c.Close())
}
