package app

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{
			name: "引数なしはserve",
			args: []string{},
			want: CommandServe,
		},
		{
			name: "serve",
			args: []string{"serve"},
			want: CommandServe,
		},
		{
			name: "migrate",
			args: []string{"migrate"},
			want: CommandMigrate,
		},
		{
			name: "cleanup",
			args: []string{"cleanup"},
			want: CommandCleanup,
		},
		{
			name: "healthcheck",
			args: []string{"healthcheck"},
			want: CommandHealthcheck,
		},
		{
			name: "create-consumer",
			args: []string{"create-consumer"},
			want: CommandCreateConsumer,
		},
		{
			name: "未知のコマンドはserveにフォールバック",
			args: []string{"unknown"},
			want: CommandServe,
		},
		{
			name: "後続の引数は無視される",
			args: []string{"create-consumer", "-name", "test"},
			want: CommandCreateConsumer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}
