package pgwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleCommand_Prepare(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want SimpleCommand
	}{
		{
			name: "basic",
			sql:  "PREPARE test_stmt AS SELECT 1",
			want: SimpleCommand{Kind: CommandPrepare, Name: "test_stmt", Body: "SELECT 1"},
		},
		{
			name: "lowercase keywords",
			sql:  "prepare q as select now()",
			want: SimpleCommand{Kind: CommandPrepare, Name: "q", Body: "select now()"},
		},
		{
			name: "trailing semicolon trimmed from body",
			sql:  "PREPARE q AS SELECT 1;",
			want: SimpleCommand{Kind: CommandPrepare, Name: "q", Body: "SELECT 1"},
		},
		{
			name: "declared parameter types",
			sql:  "PREPARE q (bigint, text) AS SELECT $1, $2",
			want: SimpleCommand{
				Kind:      CommandPrepare,
				Name:      "q",
				TypeNames: []string{"bigint", "text"},
				Body:      "SELECT $1, $2",
			},
		},
		{
			name: "nested parens in type list",
			sql:  "PREPARE q (numeric(10, 2)) AS SELECT $1",
			want: SimpleCommand{
				Kind:      CommandPrepare,
				Name:      "q",
				TypeNames: []string{"numeric(10, 2)"},
				Body:      "SELECT $1",
			},
		},
		{
			name: "quoted name",
			sql:  `PREPARE "My Stmt" AS SELECT 2`,
			want: SimpleCommand{Kind: CommandPrepare, Name: "My Stmt", Body: "SELECT 2"},
		},
		{
			name: "leading comment",
			sql:  "-- comment\nPREPARE q AS SELECT 1",
			want: SimpleCommand{Kind: CommandPrepare, Name: "q", Body: "SELECT 1"},
		},
		{
			name: "unquoted name folds to lower case",
			sql:  "PREPARE Test_Stmt AS SELECT 3",
			want: SimpleCommand{Kind: CommandPrepare, Name: "test_stmt", Body: "SELECT 3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSimpleCommand(tt.sql))
		})
	}
}

func TestParseSimpleCommand_Execute(t *testing.T) {
	cmd := ParseSimpleCommand("EXECUTE test_stmt")
	assert.Equal(t, SimpleCommand{Kind: CommandExecute, Name: "test_stmt"}, cmd)

	cmd = ParseSimpleCommand("EXECUTE q(1, 'two', $tag$three$tag$)")
	assert.Equal(t, CommandExecute, cmd.Kind)
	assert.Equal(t, "q", cmd.Name)
	assert.Equal(t, "1, 'two', $tag$three$tag$", cmd.Args)

	// A paren inside a string literal must not end the argument list.
	cmd = ParseSimpleCommand("EXECUTE q(')', 2)")
	require.Equal(t, CommandExecute, cmd.Kind)
	assert.Equal(t, "')', 2", cmd.Args)
}

func TestParseSimpleCommand_Deallocate(t *testing.T) {
	assert.Equal(t,
		SimpleCommand{Kind: CommandDeallocate, Name: "q"},
		ParseSimpleCommand("DEALLOCATE q"))

	assert.Equal(t,
		SimpleCommand{Kind: CommandDeallocate, Name: "q"},
		ParseSimpleCommand("DEALLOCATE PREPARE q;"))

	assert.Equal(t,
		SimpleCommand{Kind: CommandDeallocateAll},
		ParseSimpleCommand("deallocate all"))

	// ALL quoted is a statement actually named all.
	assert.Equal(t,
		SimpleCommand{Kind: CommandDeallocate, Name: "all"},
		ParseSimpleCommand(`DEALLOCATE "all"`))

	// PREPARE quoted is a statement name, not the noise word.
	assert.Equal(t,
		SimpleCommand{Kind: CommandDeallocate, Name: "prepare"},
		ParseSimpleCommand(`DEALLOCATE "prepare"`))
}

func TestParseSimpleCommand_Discard(t *testing.T) {
	assert.Equal(t, CommandDiscardAll, ParseSimpleCommand("DISCARD ALL").Kind)
	assert.Equal(t, CommandDiscardAll, ParseSimpleCommand("discard all;").Kind)

	// Other DISCARD variants do not drop prepared statements.
	assert.Equal(t, CommandOther, ParseSimpleCommand("DISCARD TEMP").Kind)
}

func TestParseSimpleCommand_Passthrough(t *testing.T) {
	for _, sql := range []string{
		"SELECT 1",
		"BEGIN",
		"COMMIT",
		"INSERT INTO t VALUES (1)",
		"PREPARE TRANSACTION 'gid'", // two-phase commit, not a statement PREPARE... but name parses
		"",
		"   ",
		"PREPARE", // missing name
		"EXECUTE", // missing name
	} {
		cmd := ParseSimpleCommand(sql)
		if sql == "PREPARE TRANSACTION 'gid'" {
			// TRANSACTION parses as a name, but the missing AS rejects it.
			assert.Equal(t, CommandOther, cmd.Kind, "sql=%q", sql)
			continue
		}
		assert.Equal(t, CommandOther, cmd.Kind, "sql=%q", sql)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"q"`, QuoteIdentifier("q"))
	assert.Equal(t, `"a""b"`, QuoteIdentifier(`a"b`))
}
