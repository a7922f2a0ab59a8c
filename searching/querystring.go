package searching

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// ParseQuery turns a filter string into a Query. Clauses are separated by
// whitespace or commas and all must match:
//
//	name="oak" height>10 height<40 notes~"old bridge" alive=true
//
// "=" is an exact term, "<" and ">" are numeric bounds, "~" matches text.
// "id" and "version" are special: id=r1 selects one record, version=123
// selects each record's state at that version. A bare ~"words" searches
// all text.
func ParseQuery(input string) (Query, error) {
	p := &queryParser{lex: newQueryLexer(input)}
	p.next()

	var clauses []Query
	for p.cur.typ != tokenEOF {
		clause, err := p.parseClause()
		if err != nil {
			return Query{}, err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return All(), nil
	}
	return And(clauses...), nil
}

type tokenType int

const (
	tokenIllegal tokenType = iota
	tokenEOF
	tokenIdent
	tokenEquals
	tokenLess
	tokenGreater
	tokenTilde
	tokenString
)

func tokenName(t tokenType) string {
	switch t {
	case tokenEOF:
		return "end of query"
	case tokenIdent:
		return "identifier"
	case tokenEquals:
		return "="
	case tokenLess:
		return "<"
	case tokenGreater:
		return ">"
	case tokenTilde:
		return "~"
	case tokenString:
		return "string"
	}
	return "illegal token"
}

type queryToken struct {
	typ     tokenType
	literal string
}

type queryLexer struct {
	input        string
	position     int
	readPosition int
	ch           byte
}

func newQueryLexer(input string) *queryLexer {
	l := &queryLexer{input: input}
	l.readChar()
	return l
}

func (l *queryLexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
}

func (l *queryLexer) skipSeparators() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' || l.ch == ',' {
		l.readChar()
	}
}

func (l *queryLexer) readIdentifier() string {
	position := l.position
	for isQueryLetter(l.ch) || isQueryDigit(l.ch) ||
		l.ch == '_' || l.ch == '.' || l.ch == '-' || l.ch == '+' {
		l.readChar()
	}
	return l.input[position:l.position]
}

func (l *queryLexer) readString() (string, error) {
	position := l.position + 1
	for {
		l.readChar()
		if l.ch == 0 {
			return "", errors.New("unterminated string")
		}
		if l.ch == '"' {
			break
		}
	}
	return l.input[position:l.position], nil
}

func (l *queryLexer) nextToken() queryToken {
	var tok queryToken

	l.skipSeparators()

	switch l.ch {
	case '=':
		tok = queryToken{tokenEquals, string(l.ch)}
	case '<':
		tok = queryToken{tokenLess, string(l.ch)}
	case '>':
		tok = queryToken{tokenGreater, string(l.ch)}
	case '~':
		tok = queryToken{tokenTilde, string(l.ch)}
	case '"':
		if str, err := l.readString(); err == nil {
			tok = queryToken{tokenString, str}
		} else {
			tok = queryToken{tokenIllegal, ""}
		}
	case 0:
		tok = queryToken{tokenEOF, ""}
	default:
		if isQueryLetter(l.ch) || isQueryDigit(l.ch) || l.ch == '_' || l.ch == '-' {
			tok.literal = l.readIdentifier()
			tok.typ = tokenIdent
			return tok
		}
		tok = queryToken{tokenIllegal, string(l.ch)}
	}

	l.readChar()
	return tok
}

type queryParser struct {
	lex *queryLexer
	cur queryToken
}

func (p *queryParser) next() {
	p.cur = p.lex.nextToken()
}

func (p *queryParser) parseClause() (Query, error) {
	// bare ~"words" searches all text
	if p.cur.typ == tokenTilde {
		p.next()
		text, err := p.parseStringValue()
		if err != nil {
			return Query{}, err
		}
		return TextQuery("", text), nil
	}

	if p.cur.typ != tokenIdent {
		return Query{}, errors.Errorf("expected field name, got %s", tokenName(p.cur.typ))
	}
	field := p.cur.literal
	p.next()

	operator := p.cur.typ
	switch operator {
	case tokenEquals, tokenLess, tokenGreater, tokenTilde:
	default:
		return Query{}, errors.Errorf("expected =, <, > or ~ after %q, got %s", field, tokenName(p.cur.typ))
	}
	p.next()

	if operator == tokenTilde {
		text, err := p.parseStringValue()
		if err != nil {
			return Query{}, err
		}
		return TextQuery(field, text), nil
	}

	if p.cur.typ != tokenIdent && p.cur.typ != tokenString {
		return Query{}, errors.Errorf("expected value for %q, got %s", field, tokenName(p.cur.typ))
	}
	literal := p.cur.literal
	quoted := p.cur.typ == tokenString
	p.next()

	if operator == tokenEquals {
		return equalsClause(field, literal, quoted)
	}

	number, err := strconv.ParseFloat(literal, 64)
	if quoted || err != nil {
		return Query{}, errors.Errorf("bound for %q must be a number, got %q", field, literal)
	}
	if operator == tokenLess {
		return RangeQuery(field, nil, &number), nil
	}
	return RangeQuery(field, &number, nil), nil
}

func (p *queryParser) parseStringValue() (string, error) {
	if p.cur.typ != tokenString && p.cur.typ != tokenIdent {
		return "", errors.Errorf("expected text, got %s", tokenName(p.cur.typ))
	}
	text := p.cur.literal
	p.next()
	return text, nil
}

func equalsClause(field, literal string, quoted bool) (Query, error) {
	switch field {
	case "id":
		return IDQuery(literal), nil
	case "version":
		version, err := strconv.ParseInt(literal, 10, 64)
		if err != nil {
			return Query{}, errors.Errorf("version must be an integer, got %q", literal)
		}
		return VersionQuery(version), nil
	}

	if quoted {
		return TermQuery(field, literal), nil
	}
	switch strings.ToLower(literal) {
	case "true":
		return TermQuery(field, true), nil
	case "false":
		return TermQuery(field, false), nil
	}
	if number, err := strconv.ParseFloat(literal, 64); err == nil {
		return TermQuery(field, number), nil
	}
	return TermQuery(field, literal), nil
}

func isQueryLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch))
}

func isQueryDigit(ch byte) bool {
	return unicode.IsDigit(rune(ch))
}
