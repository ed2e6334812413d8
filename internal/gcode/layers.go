package gcode

import "strings"

// layerMarkerStyles maps the comment prefix each slicer emits on a layer
// change to a style name. Detection locks onto the first style seen in a
// file so a file carrying several marker flavors is not double counted.
var layerMarkerStyles = []struct {
	prefix string
	style  string
}{
	{";LAYER_CHANGE", "prusa"},
	{";AFTER_LAYER_CHANGE", "prusa-after"},
	{";LAYER:", "cura"},
	{"; CHANGE_LAYER", "orca"},
}

// layerDetector recognizes slicer layer-change markers.
type layerDetector struct {
	style string
}

// isLayerChange reports whether the trimmed line marks a layer change in
// the style this file uses.
func (d *layerDetector) isLayerChange(line string) bool {
	style, ok := classifyLayerMarker(line)
	if !ok {
		return false
	}
	if d.style == "" {
		d.style = style
	}
	return style == d.style
}

func classifyLayerMarker(line string) (string, bool) {
	if len(line) == 0 || line[0] != ';' {
		return "", false
	}
	upper := strings.ToUpper(line)
	for _, m := range layerMarkerStyles {
		if strings.HasPrefix(upper, m.prefix) {
			return m.style, true
		}
	}
	return "", false
}
