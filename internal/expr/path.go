package expr

import (
	"strings"
)

// Path is the sequence of property names of a property chain.
type Path []string

// ParsePath splits a dotted path. The empty string is the empty path.
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "."))
}

// String returns the canonical dotted form, e.g. "a.b.c".
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Head returns the first segment.
func (p Path) Head() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Tail returns the path without its first segment.
func (p Path) Tail() Path {
	if len(p) <= 1 {
		return nil
	}
	return p[1:]
}

// Equal reports whether both paths name the same properties.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Expr builds the property chain for p rooted at Arg. Intermediate
// segments are objects; the last one has kind k.
func (p Path) Expr(k ValueKind) Expr {
	var e Expr = Arg{}
	for i, name := range p {
		kind := KindObject
		if i == len(p)-1 {
			kind = k
		}
		e = Prop{Target: e, Name: name, K: kind}
	}
	return e
}

// PathOf returns the path of a pure property chain rooted at Arg.
// A bare Arg has the empty path.
func PathOf(e Expr) (Path, bool) {
	var rev []string
	for {
		switch n := e.(type) {
		case Arg:
			out := make(Path, len(rev))
			for i, name := range rev {
				out[len(rev)-1-i] = name
			}
			return out, true
		case Prop:
			rev = append(rev, n.Name)
			if n.Target == nil {
				e = Arg{}
			} else {
				e = n.Target
			}
		default:
			return nil, false
		}
	}
}
