package statement

import (
	"github.com/Suhail-Mohamed/CoroDB/pkg/types"
)

// MaxNodes is the fixed capacity of a WHERE clause tree.
const MaxNodes = 128

// Conjunction joins two subtrees of a WHERE clause.
type Conjunction int

const (
	NoConjunction Conjunction = iota
	And
	Or
)

// ASTNode is either empty, a leaf conditional (Lhs op Rhs), or an
// interior conjunction over its two children.
type ASTNode struct {
	Lhs  string
	Rhs  string
	Comp types.Predicate

	// IsCond marks a leaf conditional; otherwise Conj governs the node.
	IsCond bool
	Conj   Conjunction
}

// ASTTree is a dense binary heap of clause nodes: children of node i live
// at 2i+1 and 2i+2.
type ASTTree [MaxNodes]ASTNode

// Left and Right are the heap child positions.
func Left(i int) int  { return 2*i + 1 }
func Right(i int) int { return 2*i + 2 }

// Empty reports whether the node at i carries neither a conditional nor a
// conjunction.
func (t *ASTTree) Empty(i int) bool {
	if i >= MaxNodes {
		return true
	}
	return !t[i].IsCond && t[i].Conj == NoConjunction
}

// Cond builds a single-conditional tree, the common WHERE shape.
func Cond(lhs string, op types.Predicate, rhs string) *ASTTree {
	var t ASTTree
	t[0] = ASTNode{Lhs: lhs, Rhs: rhs, Comp: op, IsCond: true}
	return &t
}

// Conj joins two subtrees under a conjunction at the root. The subtrees
// are re-homed into the left and right heap positions; they must each be
// single conditionals or small enough to fit one level down.
func Conj(c Conjunction, lhs, rhs *ASTTree) *ASTTree {
	var t ASTTree
	t[0] = ASTNode{Conj: c}
	placeSubtree(&t, Left(0), lhs, 0)
	placeSubtree(&t, Right(0), rhs, 0)
	return &t
}

// placeSubtree copies src rooted at srcIdx into dst rooted at dstIdx.
func placeSubtree(dst *ASTTree, dstIdx int, src *ASTTree, srcIdx int) {
	if src == nil || src.Empty(srcIdx) || dstIdx >= MaxNodes {
		return
	}
	dst[dstIdx] = src[srcIdx]
	placeSubtree(dst, Left(dstIdx), src, Left(srcIdx))
	placeSubtree(dst, Right(dstIdx), src, Right(srcIdx))
}

// EqualityConjuncts collects the attribute/value pairs of every equality
// leaf joined to the root through AND nodes only, in node order. The
// table layer matches these against the catalog's indexed attribute tuples.
func (t *ASTTree) EqualityConjuncts() (attrs []string, values []string) {
	if t == nil {
		return nil, nil
	}
	for i := 0; i < MaxNodes; i++ {
		conjunct := true
		for p := i; p > 0 && conjunct; {
			p = (p - 1) / 2
			conjunct = t[p].Conj == And
		}
		if conjunct && t[i].IsCond && t[i].Comp == types.Equals {
			attrs = append(attrs, t[i].Lhs)
			values = append(values, t[i].Rhs)
		}
	}
	return attrs, values
}
