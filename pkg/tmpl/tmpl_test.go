package tmpl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	Sender    string
	Content   string
	Timestamp time.Time
}

func TestRender(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	msg := message{Sender: "alice", Content: "it's a long message", Timestamp: ts}

	tests := []struct {
		name    string
		tmpl    string
		data    any
		want    string
		wantErr bool
	}{
		{
			name: "fields",
			tmpl: "{{ .Sender }}: {{ .Content }}",
			data: msg,
			want: "alice: it's a long message",
		},
		{
			name: "time layout",
			tmpl: `{{ time "15:04" .Timestamp }}`,
			data: msg,
			want: "09:30",
		},
		{
			name: "truncate",
			tmpl: "{{ trunc 4 .Content }}",
			data: msg,
			want: "it's…",
		},
		{
			name: "truncate short string untouched",
			tmpl: "{{ trunc 40 .Sender }}",
			data: msg,
			want: "alice",
		},
		{
			name: "upper",
			tmpl: "{{ upper .Sender }}",
			data: msg,
			want: "ALICE",
		},
		{
			name: "json",
			tmpl: "{{ json .Sender }}",
			data: msg,
			want: `"alice"`,
		},
		{
			name: "shell quote",
			tmpl: "echo {{ shq .Content }}",
			data: msg,
			want: `echo 'it'\''s a long message'`,
		},
		{
			name:    "missing key",
			tmpl:    "{{ .Missing }}",
			data:    map[string]string{},
			wantErr: true,
		},
		{
			name:    "parse error",
			tmpl:    "{{ .Sender",
			data:    msg,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateReuse(t *testing.T) {
	tpl, err := Parse("{{ .Sender }}")
	require.NoError(t, err)

	for _, who := range []string{"alice", "bob"} {
		got, err := tpl.Execute(message{Sender: who})
		require.NoError(t, err)
		assert.Equal(t, who, got)
	}
}

func TestShellQuoteEmpty(t *testing.T) {
	assert.Equal(t, "''", shellQuote(""))
}
