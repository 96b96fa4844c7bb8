// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pconfig

import (
	"strings"
	"unicode"

	"grimm.is/flywall/internal/errors"
)

// Scanner tokenizes the full configuration file text. `#` begins a
// comment running to end of line; commands are `;`-separated (spec
// §4.2).
type Scanner struct {
	src  []rune
	pos  int
	line int
}

// NewScanner creates a Scanner over the given source text.
func NewScanner(src string) *Scanner {
	return &Scanner{src: []rune(src), line: 1}
}

func (s *Scanner) peekByte() (rune, bool) {
	if s.pos >= len(s.src) {
		return 0, false
	}
	return s.src[s.pos], true
}

func (s *Scanner) advance() (rune, bool) {
	c, ok := s.peekByte()
	if !ok {
		return 0, false
	}
	s.pos++
	if c == '\n' {
		s.line++
	}
	return c, true
}

func (s *Scanner) skipSpacesAndComments() {
	for {
		c, ok := s.peekByte()
		if !ok {
			return
		}
		if c == '#' {
			for {
				c, ok := s.peekByte()
				if !ok || c == '\n' {
					break
				}
				s.advance()
			}
			continue
		}
		if unicode.IsSpace(c) {
			s.advance()
			continue
		}
		return
	}
}

// Tokenize scans the entire source into a token slice terminated by a
// TokEOF token.
func (s *Scanner) Tokenize() ([]Token, error) {
	var toks []Token
	for {
		s.skipSpacesAndComments()
		c, ok := s.peekByte()
		if !ok {
			toks = append(toks, Token{Kind: TokEOF, Line: s.line})
			return toks, nil
		}
		line := s.line

		switch {
		case c == ';':
			s.advance()
			toks = append(toks, Token{Kind: TokSemicolon, Text: ";", Line: line})
		case c == ':':
			s.advance()
			toks = append(toks, Token{Kind: TokColon, Text: ":", Line: line})
		case c == '{':
			s.advance()
			toks = append(toks, Token{Kind: TokLBrace, Text: "{", Line: line})
		case c == '}':
			s.advance()
			toks = append(toks, Token{Kind: TokRBrace, Text: "}", Line: line})
		case c == '(':
			s.advance()
			toks = append(toks, Token{Kind: TokLParen, Text: "(", Line: line})
		case c == ')':
			s.advance()
			toks = append(toks, Token{Kind: TokRParen, Text: ")", Line: line})
		case c == '/':
			s.advance()
			toks = append(toks, Token{Kind: TokSlash, Text: "/", Line: line})
		case c == '*':
			s.advance()
			toks = append(toks, Token{Kind: TokStar, Text: "*", Line: line})
		case c == '|':
			s.advance()
			toks = append(toks, Token{Kind: TokPipe, Text: "|", Line: line})
		case c == '.':
			s.advance()
			toks = append(toks, Token{Kind: TokDot, Text: ".", Line: line})
		case c == '-':
			s.advance()
			toks = append(toks, Token{Kind: TokDash, Text: "-", Line: line})
		case c == '=':
			// "==>"
			s.advance()
			if c2, ok := s.peekByte(); !ok || c2 != '=' {
				return nil, errors.Errorf(errors.KindConfig, "line %d: unexpected '='", line)
			}
			s.advance()
			if c3, ok := s.peekByte(); !ok || c3 != '>' {
				return nil, errors.Errorf(errors.KindConfig, "line %d: expected '==>'", line)
			}
			s.advance()
			toks = append(toks, Token{Kind: TokArrow, Text: "==>", Line: line})
		default:
			if !isIdentOrAddrStart(c) {
				return nil, errors.Errorf(errors.KindConfig, "line %d: unexpected character %q", line, c)
			}
			tok := s.readWord(line)
			toks = append(toks, tok)
		}
	}
}

func isIdentOrAddrStart(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == ':'
}

func isWordRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == ':'
}

// readWord scans a maximal run of identifier/number/IPv6-hextet
// characters (letters, digits, underscore, colon — colon supports
// unbracketed IPv6 literals appearing as a single STRING token) and
// classifies it as a keyword or a generic STRING. A single trailing colon
// ("name:") is left for the next token, so it scans as ':'.
func (s *Scanner) readWord(line int) Token {
	start := s.pos
	for {
		c, ok := s.peekByte()
		if !ok || !isWordRune(c) {
			break
		}
		s.advance()
	}
	text := string(s.src[start:s.pos])
	if strings.HasSuffix(text, ":") && !strings.HasSuffix(text, "::") {
		s.pos--
		text = text[:len(text)-1]
	}
	if kind, ok := keywords[strings.ToLower(text)]; ok {
		return Token{Kind: kind, Text: text, Line: line}
	}
	return Token{Kind: TokString, Text: text, Line: line}
}
