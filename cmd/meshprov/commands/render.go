package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/meshprov/internal/mesh"
	"github.com/chaz8081/meshprov/internal/mesh/beacon"
	"github.com/chaz8081/meshprov/internal/outcome"
	"github.com/chaz8081/meshprov/internal/scan"
)

var (
	colorGreen = lipgloss.Color("#22c55e")
	colorRed   = lipgloss.Color("#ef4444")
	colorBlue  = lipgloss.Color("#3b82f6")
	colorDim   = lipgloss.Color("#6b7280")

	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
	okStyle      = lipgloss.NewStyle().Foreground(colorGreen)
	failStyle    = lipgloss.NewStyle().Foreground(colorRed)
)

func renderSection(w io.Writer, title string, count int) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, sectionStyle.Render(fmt.Sprintf("  %s (%d)", title, count)))
	fmt.Fprintln(w, dimStyle.Render("  "+strings.Repeat("─", 60)))
}

// renderProvisionPool lists unprovisioned devices.
func renderProvisionPool(w io.Writer, entries []scan.Entry) {
	renderSection(w, "Unprovisioned devices", len(entries))
	for _, e := range entries {
		id, _ := beacon.DeviceUUID(e.Payload)
		name := beacon.LocalName(e.Payload)
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "  %-20s %4d dBm  %-16s %s\n", e.Address, e.RSSI, name, dimStyle.Render(id.String()))
	}
}

// renderNodePool lists mesh nodes heard advertising.
func renderNodePool(w io.Writer, entries []scan.Entry) {
	renderSection(w, "Mesh nodes", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "  %-20s %4d dBm  %-16s %s\n", e.Address, e.RSSI, e.Kind,
			dimStyle.Render("last seen "+e.LastSeen.Format(time.TimeOnly)))
	}
}

func renderNetworks(w io.Writer, networks []mesh.Network, nodes []mesh.Node) {
	renderSection(w, "Networks", len(networks))
	for _, n := range networks {
		fmt.Fprintf(w, "  [%d] %-20s iv_index=%d\n", n.KeyIndex, n.Name, n.IVIndex)
	}
	renderSection(w, "Nodes", len(nodes))
	for _, n := range nodes {
		fmt.Fprintf(w, "  0x%04x %-20s %-20s net=%d elements=%d\n",
			n.UnicastAddress, n.Name, n.Address, n.NetKeyIndex, n.Elements)
	}
}

func renderHistory(w io.Writer, records []outcome.Record) {
	renderSection(w, "Provisioning history", len(records))
	for _, r := range records {
		state := okStyle.Render(r.State)
		if !r.Success {
			state = failStyle.Render(r.State)
		}
		line := fmt.Sprintf("  %s  %-20s %s", r.FinishedAt.Local().Format(time.DateTime), r.Address, state)
		if r.FastProvisionUsed {
			line += dimStyle.Render(" fast-prov")
		}
		if r.Error != "" {
			line += dimStyle.Render(" " + r.Error)
		}
		fmt.Fprintln(w, line)
	}
}
