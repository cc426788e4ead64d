package modules

import (
	"context"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"

	"github.com/kestrelsec/reconforge/internal/recon"
)

// Portscan wraps nmap for thorough TCP scanning with service detection.
type Portscan struct {
	deps
}

func NewPortscan() *Portscan {
	return &Portscan{deps: defaultDeps()}
}

func (m *Portscan) Name() string    { return "portscan" }
func (m *Portscan) Version() string { return "1.0.0" }

func (m *Portscan) RequiredTools() []string { return []string{"nmap"} }

// PortReport is one open port from a scan.
type PortReport struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Service  string `json:"service,omitempty"`
	Product  string `json:"product,omitempty"`
	Version  string `json:"version,omitempty"`
}

// HostReport is one scanned host with its open ports.
type HostReport struct {
	IP       string       `json:"ip"`
	Hostname string       `json:"hostname,omitempty"`
	State    string       `json:"state"`
	OS       string       `json:"os,omitempty"`
	Ports    []PortReport `json:"ports"`
}

type nmapRun struct {
	XMLName xml.Name   `xml:"nmaprun"`
	Hosts   []nmapHost `xml:"host"`
}

type nmapHost struct {
	Status struct {
		State string `xml:"state,attr"`
	} `xml:"status"`
	Addresses []struct {
		Addr string `xml:"addr,attr"`
		Type string `xml:"addrtype,attr"`
	} `xml:"address"`
	Hostnames []struct {
		Name string `xml:"name,attr"`
	} `xml:"hostnames>hostname"`
	Ports []nmapPort `xml:"ports>port"`
	OS    struct {
		Matches []struct {
			Name string `xml:"name,attr"`
		} `xml:"osmatch"`
	} `xml:"os"`
}

type nmapPort struct {
	Protocol string `xml:"protocol,attr"`
	PortID   int    `xml:"portid,attr"`
	State    struct {
		State string `xml:"state,attr"`
	} `xml:"state"`
	Service struct {
		Name    string `xml:"name,attr"`
		Product string `xml:"product,attr"`
		Version string `xml:"version,attr"`
	} `xml:"service"`
}

func (m *Portscan) command(target, xmlFile string, opts map[string]any) []string {
	argv := []string{"nmap", "-sV", "-sC"}
	if ports := optString(opts, "ports", ""); ports != "" {
		argv = append(argv, "-p", ports)
	} else {
		argv = append(argv, "-p-")
	}
	argv = append(argv, "-T"+optString(opts, "timing", "4"))
	if v, ok := opts["vulners"].(bool); ok && v {
		argv = append(argv, "--script", "vulners")
	}
	return append(argv, "-oX", xmlFile, target)
}

func (m *Portscan) Run(ctx context.Context, req recon.Request) (*recon.Result, error) {
	target, err := recon.NormalizeTarget(req.Target)
	if err != nil {
		return nil, err
	}

	xmlFile := filepath.Join(req.OutDir, "nmap_"+sanitizeFilePart(target)+".xml")
	argv := m.command(target, xmlFile, req.Options)

	res := newResult(m, target)
	res.Raw = map[string]any{"argv": argv}

	if !req.Execute {
		return finish(res, recon.StatusDryRun)
	}

	if err := ensureOutDir(req.OutDir); err != nil {
		return nil, err
	}
	if _, err := m.run(ctx, argv); err != nil {
		return nil, err
	}

	hosts, err := parseNmapXML(xmlFile)
	if err != nil {
		// The scan ran; a mangled XML file degrades to an empty parse
		// with the raw artifact kept for manual inspection.
		res.Error = err.Error()
	}

	openPorts := 0
	for _, h := range hosts {
		openPorts += len(h.Ports)
	}

	res.Artifacts = append(res.Artifacts, xmlFile)
	res.Summary["hosts_discovered"] = len(hosts)
	res.Summary["open_ports"] = openPorts
	res.Raw = map[string]any{"argv": argv, "hosts": hosts}

	return finish(res, recon.StatusCompleted)
}

func parseNmapXML(path string) ([]HostReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &recon.ParseError{Source: path, Err: err}
	}

	var run nmapRun
	if err := xml.Unmarshal(data, &run); err != nil {
		return nil, &recon.ParseError{Source: path, Err: err}
	}

	hosts := make([]HostReport, 0, len(run.Hosts))
	for _, h := range run.Hosts {
		report := HostReport{State: h.Status.State, Ports: []PortReport{}}
		for _, a := range h.Addresses {
			if a.Type == "ipv4" || a.Type == "ipv6" {
				report.IP = a.Addr
				break
			}
		}
		if len(h.Hostnames) > 0 {
			report.Hostname = h.Hostnames[0].Name
		}
		if len(h.OS.Matches) > 0 {
			report.OS = h.OS.Matches[0].Name
		}
		for _, p := range h.Ports {
			if p.State.State != "open" {
				continue
			}
			report.Ports = append(report.Ports, PortReport{
				Port:     p.PortID,
				Protocol: p.Protocol,
				State:    p.State.State,
				Service:  p.Service.Name,
				Product:  p.Service.Product,
				Version:  p.Service.Version,
			})
		}
		hosts = append(hosts, report)
	}
	return hosts, nil
}

func sanitizeFilePart(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '.':
			return '_'
		}
		return r
	}, s)
}
