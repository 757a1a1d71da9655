// Package expr 实现工作流DSL使用的沙箱表达式语言。
//
// 语法（优先级由低到高）：
//
//	expr    := or
//	or      := and ( ("||" | "or") and )*
//	and     := not ( ("&&" | "and") not )*
//	not     := ("!" | "not") not | cmp
//	cmp     := primary ( ("==" | "!=" | "<" | "<=" | ">" | ">=") primary )?
//	primary := literal | path | "(" expr ")"
//	path    := ident ( "." ident | "[" int "]" )*
//
// 路径从环境的根对象开始查找（vars、ctx、input、instance），不存在的路径求值为null。
// 表达式没有副作用，也不能调用函数。
package expr

import (
	"fmt"
	"strconv"
)

// node 语法树节点
type node interface {
	eval(env map[string]any) (any, error)
}

// Program 编译后的表达式（对外导出）
type Program struct {
	source string
	root   node
}

// Source 返回表达式源码
func (p *Program) Source() string {
	return p.source
}

// Eval 在环境中求值
func (p *Program) Eval(env map[string]any) (any, error) {
	v, err := p.root.eval(env)
	if err != nil {
		return nil, fmt.Errorf("表达式 %q 求值失败: %w", p.source, err)
	}
	return v, nil
}

// EvalBool 求值并按真值规则转换为bool
func (p *Program) EvalBool(env map[string]any) (bool, error) {
	v, err := p.Eval(env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Compile 编译表达式（对外导出）
func Compile(src string) (*Program, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("表达式 %q 词法错误: %w", src, err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("表达式 %q 语法错误: %w", src, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("表达式 %q 语法错误: 位置%d存在多余内容 %q", src, p.peek().pos, p.peek().text)
	}
	return &Program{source: src, root: root}, nil
}

// Eval 编译并求值（对外导出）
func Eval(src string, env map[string]any) (any, error) {
	prog, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return prog.Eval(env)
}

// EvalBool 编译并按真值规则求值（对外导出）
func EvalBool(src string, env map[string]any) (bool, error) {
	prog, err := Compile(src)
	if err != nil {
		return false, err
	}
	return prog.EvalBool(env)
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		op := p.next().kind
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("位置%d: 非法的数字 %q", t.pos, t.text)
		}
		return &literalNode{value: f}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokTrue:
		return &literalNode{value: true}, nil
	case tokFalse:
		return &literalNode{value: false}, nil
	case tokNull:
		return &literalNode{value: nil}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("位置%d: 缺少')'", t.pos)
		}
		return inner, nil
	case tokIdent:
		return p.parsePath(t)
	case tokEOF:
		return nil, fmt.Errorf("表达式意外结束")
	default:
		return nil, fmt.Errorf("位置%d: 意外的 %q", t.pos, t.text)
	}
}

func (p *parser) parsePath(first token) (node, error) {
	path := &pathNode{segments: []pathSegment{{key: first.text}}}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			t := p.next()
			if t.kind != tokIdent && t.kind != tokNumber {
				return nil, fmt.Errorf("位置%d: '.'之后需要字段名", t.pos)
			}
			path.segments = append(path.segments, pathSegment{key: t.text})
		case tokLBracket:
			p.next()
			t := p.next()
			switch t.kind {
			case tokNumber:
				idx, err := strconv.Atoi(t.text)
				if err != nil {
					return nil, fmt.Errorf("位置%d: 下标必须是整数", t.pos)
				}
				path.segments = append(path.segments, pathSegment{index: idx, isIndex: true})
			case tokString:
				path.segments = append(path.segments, pathSegment{key: t.text})
			default:
				return nil, fmt.Errorf("位置%d: 非法的下标", t.pos)
			}
			if p.next().kind != tokRBracket {
				return nil, fmt.Errorf("位置%d: 缺少']'", t.pos)
			}
		default:
			return path, nil
		}
	}
}

type literalNode struct {
	value any
}

func (n *literalNode) eval(map[string]any) (any, error) {
	return n.value, nil
}

type pathSegment struct {
	key     string
	index   int
	isIndex bool
}

type pathNode struct {
	segments []pathSegment
}

func (n *pathNode) eval(env map[string]any) (any, error) {
	var cur any = env
	for _, seg := range n.segments {
		if cur == nil {
			return nil, nil
		}
		if seg.isIndex {
			list, ok := cur.([]any)
			if !ok || seg.index < 0 || seg.index >= len(list) {
				return nil, nil
			}
			cur = list[seg.index]
			continue
		}
		switch m := cur.(type) {
		case map[string]any:
			cur = m[seg.key]
		case []any:
			// 允许 items.0 形式的数字字段访问列表
			idx, err := strconv.Atoi(seg.key)
			if err != nil || idx < 0 || idx >= len(m) {
				return nil, nil
			}
			cur = m[idx]
		default:
			return nil, nil
		}
	}
	return cur, nil
}

type notNode struct {
	operand node
}

func (n *notNode) eval(env map[string]any) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

type logicalNode struct {
	op          tokenKind
	left, right node
}

func (n *logicalNode) eval(env map[string]any) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	if n.op == tokAnd && !Truthy(l) {
		return false, nil
	}
	if n.op == tokOr && Truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return Truthy(r), nil
}

type cmpNode struct {
	op          tokenKind
	left, right node
}

func (n *cmpNode) eval(env map[string]any) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokEq:
		return Equal(l, r), nil
	case tokNe:
		return !Equal(l, r), nil
	}
	c, err := Compare(l, r)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokLt:
		return c < 0, nil
	case tokLe:
		return c <= 0, nil
	case tokGt:
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}
