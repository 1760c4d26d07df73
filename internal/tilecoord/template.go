package tilecoord

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// DefaultTemplate lays tiles out as {z}/{x}/{y}.pbf.
const DefaultTemplate = "{z}/{x}/{y}.pbf"

// Template is a tile path or URL pattern with {z}, {x} and {y} placeholders,
// and optionally {project}.
type Template string

// Expand fills the placeholders for tile t, which must be in XYZ addressing.
func (tpl Template) Expand(t maptile.Tile) string {
	s := strings.Replace(string(tpl), "{x}", strconv.Itoa(int(t.X)), -1)
	s = strings.Replace(s, "{y}", strconv.Itoa(int(t.Y)), -1)
	s = strings.Replace(s, "{z}", strconv.Itoa(int(t.Z)), -1)
	return s
}

// ForProject substitutes {project} and leaves the tile placeholders for the client.
func (tpl Template) ForProject(projectID string) Template {
	return Template(strings.Replace(string(tpl), "{project}", projectID, -1))
}
