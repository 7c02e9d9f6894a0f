package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// hookItems reads each SQL file, expands {{schema}}, and returns every
// statement as an execution item of the flush transaction.
func hookItems(cfg *MergeConfig, files []string, phase string) ([]ExecutionItem, error) {
	if len(files) == 0 {
		return nil, nil
	}
	log.Info().Msgf("  loading %s hooks (%d files)...", phase, len(files))

	var items []ExecutionItem
	for _, f := range files {
		path := cfg.resolvePath(f)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("hook %s: read %s: %w", phase, f, err)
		}

		sql := strings.ReplaceAll(string(data), "{{schema}}", cfg.Schema)
		stmts := splitStatements(sql)

		log.Info().Msgf("    %s: %d statements", f, len(stmts))
		for _, stmt := range stmts {
			items = append(items, Statement("hook:"+phase, stmt))
		}
	}
	return items, nil
}

// splitStatements splits SQL text on top-level semicolons. Semicolons inside
// quotes, [brackets], comments and dollar-quoted bodies do not split.
func splitStatements(sql string) []string {
	s := &stmtScanner{src: sql}
	for s.pos < len(s.src) {
		s.step()
	}
	s.emit()
	return s.out
}

type scanMode int

const (
	scanCode scanMode = iota
	scanLineComment
	scanBlockComment
	scanQuoted
	scanDollar
)

type stmtScanner struct {
	src    string
	pos    int
	mode   scanMode
	closer byte   // scanQuoted: closing quote, doubled to escape
	depth  int    // scanBlockComment: nesting
	tag    string // scanDollar: $tag$ that ends the body
	cur    strings.Builder
	out    []string
}

func (s *stmtScanner) at(prefix string) bool { return strings.HasPrefix(s.src[s.pos:], prefix) }

// take moves n bytes into the current statement.
func (s *stmtScanner) take(n int) {
	s.cur.WriteString(s.src[s.pos : s.pos+n])
	s.pos += n
}

func (s *stmtScanner) emit() {
	if stmt := strings.TrimSpace(s.cur.String()); stmt != "" {
		s.out = append(s.out, stmt)
	}
	s.cur.Reset()
}

func (s *stmtScanner) step() {
	switch s.mode {
	case scanLineComment:
		if s.src[s.pos] == '\n' {
			s.mode = scanCode
		}
		s.take(1)
	case scanBlockComment:
		switch {
		case s.at("/*"):
			s.depth++
			s.take(2)
		case s.at("*/"):
			s.take(2)
			if s.depth--; s.depth == 0 {
				s.mode = scanCode
			}
		default:
			s.take(1)
		}
	case scanQuoted:
		switch {
		case s.src[s.pos] != s.closer:
			s.take(1)
		case s.pos+1 < len(s.src) && s.src[s.pos+1] == s.closer:
			s.take(2)
		default:
			s.take(1)
			s.mode = scanCode
		}
	case scanDollar:
		if s.at(s.tag) {
			s.take(len(s.tag))
			s.mode = scanCode
			return
		}
		s.take(1)
	default:
		s.code()
	}
}

func (s *stmtScanner) code() {
	switch c := s.src[s.pos]; {
	case s.at("--"):
		s.mode = scanLineComment
		s.take(2)
	case s.at("/*"):
		s.mode, s.depth = scanBlockComment, 1
		s.take(2)
	case c == '\'' || c == '"':
		s.mode, s.closer = scanQuoted, c
		s.take(1)
	case c == '[':
		s.mode, s.closer = scanQuoted, ']'
		s.take(1)
	case c == '$':
		if tag, ok := dollarTag(s.src, s.pos); ok {
			s.mode, s.tag = scanDollar, tag
			s.take(len(tag))
			return
		}
		s.take(1)
	case c == ';':
		s.pos++
		s.emit()
	default:
		s.take(1)
	}
}

// dollarTag returns the $$ or $name$ opener at i. Positional parameters
// such as $1 are not openers.
func dollarTag(sql string, i int) (string, bool) {
	j := i + 1
	for j < len(sql) && isTagByte(sql[j], j == i+1) {
		j++
	}
	if j < len(sql) && sql[j] == '$' {
		return sql[i : j+1], true
	}
	return "", false
}

func isTagByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}
