package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   LogLevel
		wantOK bool
	}{
		{in: "debug", want: DebugLevel, wantOK: true},
		{in: " WARN ", want: WarnLevel, wantOK: true},
		{in: "fatal", want: FatalLevel, wantOK: true},
		{in: "verbose", want: InfoLevel, wantOK: false},
		{in: "", want: InfoLevel, wantOK: false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseLevel(tc.in)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.wantOK, ok)
		})
	}
}

func TestInitWritesToFileAndFiltersLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.log")
	require.NoError(t, Init(&LogConfig{LogLevel: "warn", LogFile: path}))
	t.Cleanup(func() {
		require.NoError(t, Close())
		setup(os.Stderr, WarnLevel)
	})

	Infof("不应写入 %d", 1)
	Warnf("应写入 %d", 2)
	WithSession("s-1").With("turn", 3).Errorf("会话错误")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "不应写入")
	require.Contains(t, string(data), "应写入 2")
	require.Contains(t, string(data), "[session=s-1] [turn=3] 会话错误")
	require.Equal(t, WarnLevel, Level())
}
