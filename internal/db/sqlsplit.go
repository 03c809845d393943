package db

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// SplitStatements reads a SQL script and calls emit for every complete
// statement, without its delimiter. It understands quoted strings and
// identifiers, "--", "#" and "/* */" comments, MySQL "/*! */" executable
// comments (kept), and DELIMITER directives as written by mysqldump.
func SplitStatements(r io.Reader, emit func(stmt string) error) error {
	br := bufio.NewReaderSize(r, 64<<10)
	s := &sqlScanner{delim: ";", emit: emit}
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if ferr := s.feed(line); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	return s.finish()
}

type sqlScanner struct {
	delim   string
	stmt    strings.Builder
	quote   byte
	comment bool
	emit    func(string) error
}

func (s *sqlScanner) feed(line string) error {
	if s.quote == 0 && !s.comment && strings.TrimSpace(s.stmt.String()) == "" {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) > len("DELIMITER ") && strings.EqualFold(trimmed[:len("DELIMITER ")], "DELIMITER ") {
			s.delim = strings.TrimSpace(trimmed[len("DELIMITER "):])
			s.stmt.Reset()
			return nil
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		if s.comment {
			if c == '*' && i+1 < len(line) && line[i+1] == '/' {
				s.comment = false
				i++
			}
			continue
		}
		if s.quote != 0 {
			s.stmt.WriteByte(c)
			if c == '\\' && s.quote != '`' && i+1 < len(line) {
				i++
				s.stmt.WriteByte(line[i])
				continue
			}
			if c == s.quote {
				s.quote = 0
			}
			continue
		}

		rest := line[i:]
		switch {
		case strings.HasPrefix(rest, s.delim):
			if err := s.flush(); err != nil {
				return err
			}
			i += len(s.delim) - 1
			continue
		case isLineComment(rest):
			s.stmt.WriteByte('\n')
			return nil
		case strings.HasPrefix(rest, "/*") && !strings.HasPrefix(rest, "/*!"):
			s.comment = true
			i++
			continue
		case c == '\'' || c == '"' || c == '`':
			s.quote = c
		}
		s.stmt.WriteByte(c)
	}
	return nil
}

func isLineComment(rest string) bool {
	if rest[0] == '#' {
		return true
	}
	if !strings.HasPrefix(rest, "--") {
		return false
	}
	return len(rest) == 2 || rest[2] == ' ' || rest[2] == '\t' || rest[2] == '\n' || rest[2] == '\r'
}

func (s *sqlScanner) flush() error {
	stmt := strings.TrimSpace(s.stmt.String())
	s.stmt.Reset()
	if stmt == "" {
		return nil
	}
	return s.emit(stmt)
}

func (s *sqlScanner) finish() error {
	if s.quote != 0 {
		return errors.New("unterminated quoted string at end of script")
	}
	return s.flush()
}
