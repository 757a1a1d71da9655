package expr

import (
	"fmt"
	"strings"
	"unicode"
)

// tokenKind 词法单元类型
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokTrue
	tokFalse
	tokNull
	tokDot
	tokLBracket
	tokRBracket
	tokLParen
	tokRParen
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokAnd
	tokOr
	tokNot
)

// token 词法单元
type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex 将表达式源码切分为词法单元
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '.':
			tokens = append(tokens, token{tokDot, ".", i})
			i++
		case c == '[':
			tokens = append(tokens, token{tokLBracket, "[", i})
			i++
		case c == ']':
			tokens = append(tokens, token{tokRBracket, "]", i})
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokEq, "==", i})
				i += 2
				continue
			}
			return nil, fmt.Errorf("位置%d: 不支持的赋值运算符'=', 请使用'=='", i)
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokNe, "!=", i})
				i += 2
				continue
			}
			tokens = append(tokens, token{tokNot, "!", i})
			i++
		case c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokLe, "<=", i})
				i += 2
				continue
			}
			tokens = append(tokens, token{tokLt, "<", i})
			i++
		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokGe, ">=", i})
				i += 2
				continue
			}
			tokens = append(tokens, token{tokGt, ">", i})
			i++
		case c == '&':
			if i+1 < len(src) && src[i+1] == '&' {
				tokens = append(tokens, token{tokAnd, "&&", i})
				i += 2
				continue
			}
			return nil, fmt.Errorf("位置%d: 期望'&&'", i)
		case c == '|':
			if i+1 < len(src) && src[i+1] == '|' {
				tokens = append(tokens, token{tokOr, "||", i})
				i += 2
				continue
			}
			return nil, fmt.Errorf("位置%d: 期望'||'", i)
		case c == '\'' || c == '"':
			s, n, err := lexString(src[i:])
			if err != nil {
				return nil, fmt.Errorf("位置%d: %w", i, err)
			}
			tokens = append(tokens, token{tokString, s, i})
			i += n
		case c == '-' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < len(src) && ((src[i] >= '0' && src[i] <= '9') || src[i] == '.') {
				i++
			}
			text := src[start:i]
			if text == "-" {
				return nil, fmt.Errorf("位置%d: 非法的数字", start)
			}
			tokens = append(tokens, token{tokNumber, text, start})
		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(src) && (src[i] == '_' || src[i] == '-' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			word := src[start:i]
			switch word {
			case "true":
				tokens = append(tokens, token{tokTrue, word, start})
			case "false":
				tokens = append(tokens, token{tokFalse, word, start})
			case "null", "nil":
				tokens = append(tokens, token{tokNull, word, start})
			case "and":
				tokens = append(tokens, token{tokAnd, word, start})
			case "or":
				tokens = append(tokens, token{tokOr, word, start})
			case "not":
				tokens = append(tokens, token{tokNot, word, start})
			default:
				tokens = append(tokens, token{tokIdent, word, start})
			}
		default:
			return nil, fmt.Errorf("位置%d: 非法字符 %q", i, c)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(src)})
	return tokens, nil
}

// lexString 读取带引号的字符串字面量，返回内容和消耗的字节数
func lexString(src string) (string, int, error) {
	quote := src[0]
	var b strings.Builder
	for i := 1; i < len(src); i++ {
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(src[i])
			}
			continue
		}
		if c == quote {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
	}
	return "", 0, fmt.Errorf("字符串未闭合")
}
