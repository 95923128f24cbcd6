package app

import (
	"slices"
	"strings"
	"testing"
)

func TestParseCommand_DefaultsToUpdate(t *testing.T) {
	cmd, rest := ParseCommand([]string{})
	if cmd != CommandUpdate {
		t.Errorf("ParseCommand([]) = %q, want %q", cmd, CommandUpdate)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %v, want empty", rest)
	}
}

func TestParseCommand_KnownCommands(t *testing.T) {
	tests := []struct {
		args     []string
		want     Command
		wantRest []string
	}{
		{args: []string{"update"}, want: CommandUpdate, wantRest: []string{}},
		{args: []string{"update", "2"}, want: CommandUpdate, wantRest: []string{"2"}},
		{args: []string{"update-forever"}, want: CommandUpdateForever, wantRest: []string{}},
		{args: []string{"list"}, want: CommandList, wantRest: []string{}},
		{args: []string{"details", "1"}, want: CommandDetails, wantRest: []string{"1"}},
		{args: []string{"enqueue", "1", "3-5", "7"}, want: CommandEnqueue, wantRest: []string{"1", "3-5", "7"}},
		{args: []string{"mark", "1", "2"}, want: CommandMark, wantRest: []string{"1", "2"}},
		{args: []string{"unmark", "1", "2"}, want: CommandUnmark, wantRest: []string{"1", "2"}},
		{args: []string{"download-queue", "3"}, want: CommandDownloadQueue, wantRest: []string{"3"}},
		{args: []string{"serve"}, want: CommandServe, wantRest: []string{}},
		{args: []string{"migrate"}, want: CommandMigrate, wantRest: []string{}},
		{args: []string{"healthcheck"}, want: CommandHealthcheck, wantRest: []string{}},
	}

	for _, tt := range tests {
		cmd, rest := ParseCommand(tt.args)
		if cmd != tt.want {
			t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, cmd, tt.want)
		}
		if !slices.Equal(rest, tt.wantRest) {
			t.Errorf("ParseCommand(%v) rest = %v, want %v", tt.args, rest, tt.wantRest)
		}
	}
}

func TestParseCommand_Unknown(t *testing.T) {
	cmd, _ := ParseCommand([]string{"worker"})
	if cmd != CommandUnknown {
		t.Errorf("ParseCommand([worker]) = %q, want unknown", cmd)
	}
}

func TestUsage_ListsEveryCommand(t *testing.T) {
	for _, c := range commands {
		if !strings.Contains(Usage, string(c)) {
			t.Errorf("Usage does not mention %q", c)
		}
	}
}
