package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"

	"github.com/meridian-obs/contimg/internal/types"
)

// BuildAncestryTree constructs a lipgloss/tree for a product's lineage.
// The target sits at the root; each level below it holds the recorded
// parents, walked through provenance edges. Ancestors reachable through
// more than one path render once, under the first path found.
func BuildAncestryTree(target *types.Product, ancestors []*types.Product) *tree.Tree {
	t := tree.New().Root(productNode(target))
	t.EnumeratorStyle(lipgloss.NewStyle().Foreground(ColorAccent))
	t.RootStyle(lipgloss.NewStyle().Bold(true).Foreground(ColorAccent))

	byID := make(map[string]*types.Product, len(ancestors))
	for _, a := range ancestors {
		byID[a.DataID] = a
	}
	nodes := map[string]*tree.Tree{target.DataID: t}

	var attach func(p *types.Product)
	attach = func(p *types.Product) {
		node := nodes[p.DataID]
		for _, pid := range p.Provenance.Parents {
			parent, ok := byID[pid]
			if !ok {
				continue
			}
			if _, seen := nodes[pid]; seen {
				continue
			}
			child := tree.New().Root(productNode(parent))
			child.EnumeratorStyle(lipgloss.NewStyle().Foreground(ColorAccent))
			nodes[pid] = child
			node.Child(child)
			attach(parent)
		}
	}
	attach(target)
	return t
}

// RenderAncestryTree renders a product's lineage using lipgloss/tree.
func RenderAncestryTree(target *types.Product, ancestors []*types.Product) string {
	if target == nil {
		return TableHintStyle.Render("No product.")
	}
	if len(ancestors) == 0 {
		return BuildAncestryTree(target, nil).String() + "\n" +
			TableHintStyle.Render("No recorded lineage.")
	}
	return BuildAncestryTree(target, ancestors).String()
}

func productNode(p *types.Product) string {
	label := fmt.Sprintf("%s %s", p.DataID, RenderState(string(p.State)))
	if p.Provenance.CreatorStage != "" {
		label += " " + RenderMuted("("+p.Provenance.CreatorStage+")")
	}
	return label
}
