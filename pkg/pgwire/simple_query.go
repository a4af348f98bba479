package pgwire

import (
	"strings"
)

// CommandKind classifies the simple-query commands the proxy must intercept.
// Everything else is relayed to the server untouched.
type CommandKind int

const (
	// CommandOther is any statement the proxy relays verbatim.
	CommandOther CommandKind = iota
	// CommandPrepare is `PREPARE name [(types)] AS body`.
	CommandPrepare
	// CommandExecute is `EXECUTE name [(args)]`.
	CommandExecute
	// CommandDeallocate is `DEALLOCATE [PREPARE] name`.
	CommandDeallocate
	// CommandDeallocateAll is `DEALLOCATE [PREPARE] ALL`.
	CommandDeallocateAll
	// CommandDiscardAll is `DISCARD ALL`, which resets session state
	// including every prepared statement on the server connection.
	CommandDiscardAll
)

func (k CommandKind) String() string {
	switch k {
	case CommandPrepare:
		return "PREPARE"
	case CommandExecute:
		return "EXECUTE"
	case CommandDeallocate, CommandDeallocateAll:
		return "DEALLOCATE"
	case CommandDiscardAll:
		return "DISCARD ALL"
	default:
		return "other"
	}
}

// SimpleCommand is the parsed form of an intercepted simple-query command.
type SimpleCommand struct {
	Kind CommandKind

	// Name is the client-chosen prepared statement name, unquoted.
	Name string

	// TypeNames are the declared parameter types of a PREPARE, in order.
	// Empty when the client relies on inference.
	TypeNames []string

	// Body is the statement text after AS in a PREPARE.
	Body string

	// Args is the raw argument list text of an EXECUTE, without the
	// surrounding parentheses. Empty when the statement has no parameters.
	Args string
}

// ParseSimpleCommand recognizes the prepared-statement commands in a simple
// Query message. It is not a SQL parser: it only needs to identify
// PREPARE/EXECUTE/DEALLOCATE/DISCARD heads and split off the pieces the
// statement router rewrites. Unknown or malformed statements come back as
// CommandOther and are relayed to the server, which will report any error
// itself.
func ParseSimpleCommand(sql string) SimpleCommand {
	s := scanner{input: sql}

	head, ok := s.keyword()
	if !ok {
		return SimpleCommand{Kind: CommandOther}
	}

	switch head {
	case "PREPARE":
		return parsePrepare(&s)
	case "EXECUTE":
		return parseExecute(&s)
	case "DEALLOCATE":
		return parseDeallocate(&s)
	case "DISCARD":
		if next, ok := s.keyword(); ok && next == "ALL" && s.atEnd() {
			return SimpleCommand{Kind: CommandDiscardAll}
		}
		return SimpleCommand{Kind: CommandOther}
	default:
		return SimpleCommand{Kind: CommandOther}
	}
}

func parsePrepare(s *scanner) SimpleCommand {
	name, _, ok := s.identifier()
	if !ok {
		return SimpleCommand{Kind: CommandOther}
	}

	cmd := SimpleCommand{Kind: CommandPrepare, Name: name}

	if s.peekByte() == '(' {
		list, ok := s.parenGroup()
		if !ok {
			return SimpleCommand{Kind: CommandOther}
		}
		for _, t := range splitTopLevel(list) {
			cmd.TypeNames = append(cmd.TypeNames, strings.TrimSpace(t))
		}
	}

	if kw, ok := s.keyword(); !ok || kw != "AS" {
		return SimpleCommand{Kind: CommandOther}
	}

	cmd.Body = strings.TrimSpace(s.rest())
	if cmd.Body == "" {
		return SimpleCommand{Kind: CommandOther}
	}
	return cmd
}

func parseExecute(s *scanner) SimpleCommand {
	name, _, ok := s.identifier()
	if !ok {
		return SimpleCommand{Kind: CommandOther}
	}

	cmd := SimpleCommand{Kind: CommandExecute, Name: name}

	if s.peekByte() == '(' {
		args, ok := s.parenGroup()
		if !ok {
			return SimpleCommand{Kind: CommandOther}
		}
		cmd.Args = strings.TrimSpace(args)
	}

	if !s.atEnd() {
		return SimpleCommand{Kind: CommandOther}
	}
	return cmd
}

func parseDeallocate(s *scanner) SimpleCommand {
	name, quoted, ok := s.identifier()
	if !ok {
		return SimpleCommand{Kind: CommandOther}
	}

	// Optional PREPARE noise word. Quoted, it is a statement name.
	if !quoted && strings.EqualFold(name, "PREPARE") {
		name, quoted, ok = s.identifier()
		if !ok {
			return SimpleCommand{Kind: CommandOther}
		}
	}

	if !s.atEnd() {
		return SimpleCommand{Kind: CommandOther}
	}

	if !quoted && strings.EqualFold(name, "ALL") {
		return SimpleCommand{Kind: CommandDeallocateAll}
	}
	return SimpleCommand{Kind: CommandDeallocate, Name: name}
}

// QuoteIdentifier quotes a statement name for splicing into rewritten SQL.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// splitTopLevel splits a comma-separated list, ignoring commas nested in
// parentheses (e.g. numeric(10, 2)).
func splitTopLevel(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, list[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, list[start:])
	return parts
}

// scanner is a minimal lexer for the statement heads the router intercepts.
type scanner struct {
	input string
	pos   int
}

func (s *scanner) skipSpace() {
	for s.pos < len(s.input) {
		c := s.input[s.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			s.pos++
		case c == '-' && s.pos+1 < len(s.input) && s.input[s.pos+1] == '-':
			for s.pos < len(s.input) && s.input[s.pos] != '\n' {
				s.pos++
			}
		case c == '/' && s.pos+1 < len(s.input) && s.input[s.pos+1] == '*':
			depth := 1
			s.pos += 2
			for s.pos < len(s.input) && depth > 0 {
				if s.pos+1 < len(s.input) && s.input[s.pos] == '/' && s.input[s.pos+1] == '*' {
					depth++
					s.pos += 2
				} else if s.pos+1 < len(s.input) && s.input[s.pos] == '*' && s.input[s.pos+1] == '/' {
					depth--
					s.pos += 2
				} else {
					s.pos++
				}
			}
		default:
			return
		}
	}
}

func (s *scanner) peekByte() byte {
	s.skipSpace()
	if s.pos >= len(s.input) {
		return 0
	}
	return s.input[s.pos]
}

func (s *scanner) atEnd() bool {
	s.skipSpace()
	// A trailing semicolon terminates the statement.
	for s.pos < len(s.input) && s.input[s.pos] == ';' {
		s.pos++
		s.skipSpace()
	}
	return s.pos >= len(s.input)
}

func (s *scanner) rest() string {
	s.skipSpace()
	rest := s.input[s.pos:]
	s.pos = len(s.input)
	return strings.TrimSuffix(strings.TrimSpace(rest), ";")
}

// keyword reads an unquoted word and uppercases it.
func (s *scanner) keyword() (string, bool) {
	s.skipSpace()
	start := s.pos
	for s.pos < len(s.input) && isWordByte(s.input[s.pos]) {
		s.pos++
	}
	if s.pos == start {
		return "", false
	}
	return strings.ToUpper(s.input[start:s.pos]), true
}

// identifier reads a possibly quoted identifier and returns its unquoted
// form. quoted distinguishes "all" the statement name from ALL the keyword.
func (s *scanner) identifier() (name string, quoted, ok bool) {
	s.skipSpace()
	if s.pos >= len(s.input) {
		return "", false, false
	}

	if s.input[s.pos] == '"' {
		s.pos++
		var b strings.Builder
		for s.pos < len(s.input) {
			if s.input[s.pos] == '"' {
				if s.pos+1 < len(s.input) && s.input[s.pos+1] == '"' {
					b.WriteByte('"')
					s.pos += 2
					continue
				}
				s.pos++
				return b.String(), true, true
			}
			b.WriteByte(s.input[s.pos])
			s.pos++
		}
		return "", false, false // unterminated quote
	}

	start := s.pos
	for s.pos < len(s.input) && isWordByte(s.input[s.pos]) {
		s.pos++
	}
	if s.pos == start {
		return "", false, false
	}
	// Unquoted identifiers fold to lower case in Postgres.
	return strings.ToLower(s.input[start:s.pos]), false, true
}

// parenGroup reads a balanced parenthesized group and returns its contents.
func (s *scanner) parenGroup() (string, bool) {
	s.skipSpace()
	if s.pos >= len(s.input) || s.input[s.pos] != '(' {
		return "", false
	}
	depth := 0
	start := s.pos + 1
	inString := false
	for ; s.pos < len(s.input); s.pos++ {
		c := s.input[s.pos]
		if inString {
			if c == '\'' {
				inString = false
			}
			continue
		}
		switch c {
		case '\'':
			inString = true
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				content := s.input[start:s.pos]
				s.pos++
				return content, true
			}
		}
	}
	return "", false // unbalanced
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') ||
		c >= 0x80 // multibyte identifier characters
}
