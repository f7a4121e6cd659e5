package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
)

// PipeWire manages PipeWire port and node queries
type PipeWire struct {
	// listOutput runs the port listing; replaced in tests
	listOutput func() ([]byte, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{
		listOutput: func() ([]byte, error) {
			return exec.Command("pw-link", "-o").Output()
		},
	}
}

// ListPorts returns all available output ports (capture sources)
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.listOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePortList(string(output)), nil
}

// ListNodes returns the distinct node names owning output ports, sorted
func (pw *PipeWire) ListNodes() ([]string, error) {
	ports, err := pw.ListPorts()
	if err != nil {
		return nil, err
	}
	return nodesFromPorts(ports), nil
}

// ValidateNode checks if a specific node exists and has no duplicates
func (pw *PipeWire) ValidateNode(node string) error {
	if node == "" {
		return nil
	}

	ports, err := pw.ListPorts()
	if err != nil {
		return fmt.Errorf("failed to check node: %w", err)
	}

	duplicates := pw.findPortDuplicatesInList(node+":", ports)
	if len(duplicates) == 0 {
		return fmt.Errorf("node not found: %s", node)
	}

	names := map[string]int{}
	for _, port := range duplicates {
		names[port]++
	}
	for port, count := range names {
		if count > 1 {
			return fmt.Errorf("duplicate sources detected for '%s'. Please close conflicting applications", port)
		}
	}

	slog.Debug("PipeWire node found", "node", node, "ports", len(duplicates))
	return nil
}

// findPortDuplicatesInList finds all ports starting with prefix
func (pw *PipeWire) findPortDuplicatesInList(prefix string, allPorts []string) []string {
	var matches []string
	for _, port := range allPorts {
		if strings.HasPrefix(port, prefix) {
			matches = append(matches, port)
		}
	}
	return matches
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Input ports:") || strings.HasPrefix(line, "Output ports:") {
			continue
		}
		// Link lines ("|->", "|<-") describe connections, not ports
		if strings.HasPrefix(line, "|") {
			continue
		}
		ports = append(ports, line)
	}
	return ports
}

// nodesFromPorts splits "node:port" from the right, since node names may
// themselves contain colons
func nodesFromPorts(ports []string) []string {
	seen := map[string]bool{}
	var nodes []string
	for _, port := range ports {
		idx := strings.LastIndex(port, ":")
		if idx <= 0 {
			continue
		}
		node := strings.TrimSpace(port[:idx])
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// pwRecordFormat maps a bit depth onto pw-record's sample format names
func pwRecordFormat(bits int) string {
	switch bits {
	case 8:
		return "u8"
	case 24:
		return "s24"
	case 32:
		return "s32"
	default:
		return "s16"
	}
}
