package graph

import (
	"text/template"
)

type templateRef struct {
	Nodes []*DotNodeSpec
	Edges []*DotEdgeSpec
}

var digraphTemplate = template.Must(template.New("digraph").Parse(digraphTemplateText))

const digraphTemplateText = `digraph {
	newrank = "true"
{{ range $node := $.Nodes }}		"{{$node.ID}}" [label="{{$node.Name}}" shape={{$node.Shape}} style={{$node.Style}} tooltip="{{$node.Tooltip}}" fillcolor={{$node.FillColor}}]
{{ end }}
{{ range $edge := $.Edges }}		"{{$edge.FromNodeID}}" -> "{{$edge.ToNodeID}}" [style={{$edge.Style}} tooltip="{{$edge.Tooltip}}" color={{$edge.Color}}]
{{ end }}
}`
