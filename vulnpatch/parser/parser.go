// Package parser converts Nmap XML reports into observed services.
package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
)

// ParseError wraps the syntax error that made a document unusable.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid scan document: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type nmapRun struct {
	XMLName  xml.Name  `xml:"nmaprun"`
	Scanner  string    `xml:"scanner,attr"`
	Version  string    `xml:"version,attr"`
	Start    string    `xml:"start,attr"`
	Args     string    `xml:"args,attr"`
	Hosts    []xmlHost `xml:"host"`
	RunStats *struct {
		Finished *struct {
			Time    string `xml:"time,attr"`
			Elapsed string `xml:"elapsed,attr"`
		} `xml:"finished"`
	} `xml:"runstats"`
}

type xmlHost struct {
	Status *struct {
		State string `xml:"state,attr"`
	} `xml:"status"`
	Addresses []struct {
		Addr     string `xml:"addr,attr"`
		AddrType string `xml:"addrtype,attr"`
	} `xml:"address"`
	Hostnames []struct {
		Name string `xml:"name,attr"`
		Type string `xml:"type,attr"`
	} `xml:"hostnames>hostname"`
	Ports []xmlPort `xml:"ports>port"`
}

type xmlPort struct {
	PortID   string `xml:"portid,attr"`
	Protocol string `xml:"protocol,attr"`
	State    *struct {
		State string `xml:"state,attr"`
	} `xml:"state"`
	Service *struct {
		Name      string `xml:"name,attr"`
		Product   string `xml:"product,attr"`
		Version   string `xml:"version,attr"`
		ExtraInfo string `xml:"extrainfo,attr"`
		Method    string `xml:"method,attr"`
		Conf      string `xml:"conf,attr"`
	} `xml:"service"`
	Scripts []struct {
		ID     string `xml:"id,attr"`
		Output string `xml:"output,attr"`
	} `xml:"script"`
}

// Parse decodes doc and returns one ObservedService per open port, in
// document order. Any malformed input yields a *ParseError and no result.
func Parse(doc []byte) (*vulnpatch.ParsedScan, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var run nmapRun
	if err := dec.Decode(&run); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("document contains no root element")
		}
		return nil, &ParseError{Err: err}
	}
	if err := ensureTrailingClean(dec); err != nil {
		return nil, &ParseError{Err: err}
	}

	out := &vulnpatch.ParsedScan{
		Info: vulnpatch.ScanInfo{
			Scanner: orDefault(run.Scanner, "nmap"),
			Version: run.Version,
			Start:   run.Start,
			Args:    run.Args,
		},
		Hosts:    make([]vulnpatch.Host, 0, len(run.Hosts)),
		Services: []vulnpatch.ObservedService{},
	}
	if run.RunStats != nil && run.RunStats.Finished != nil {
		out.Info.Finished = run.RunStats.Finished.Time
		out.Info.Elapsed = run.RunStats.Finished.Elapsed
	}

	for _, h := range run.Hosts {
		host := vulnpatch.Host{Status: "unknown"}
		if h.Status != nil {
			host.Status = h.Status.State
		}
		for _, a := range h.Addresses {
			host.Addresses = append(host.Addresses, vulnpatch.Address{Addr: a.Addr, Type: a.AddrType})
		}
		for _, n := range h.Hostnames {
			host.Hostnames = append(host.Hostnames, vulnpatch.Hostname{Name: n.Name, Type: n.Type})
		}

		addr := "unknown"
		if len(host.Addresses) > 0 {
			addr = host.Addresses[0].Addr
		}
		var hostname string
		if len(host.Hostnames) > 0 {
			hostname = host.Hostnames[0].Name
		}

		for _, p := range h.Ports {
			if p.State == nil || p.State.State != "open" {
				continue
			}
			svc, err := toService(p, addr, hostname)
			if err != nil {
				return nil, &ParseError{Err: err}
			}
			out.Services = append(out.Services, svc)
			host.OpenPorts++
		}
		out.Hosts = append(out.Hosts, host)
	}

	return out, nil
}

func toService(p xmlPort, addr, hostname string) (vulnpatch.ObservedService, error) {
	port, err := strconv.Atoi(strings.TrimSpace(p.PortID))
	if err != nil {
		return vulnpatch.ObservedService{}, fmt.Errorf("port %q: %w", p.PortID, err)
	}

	svc := vulnpatch.ObservedService{
		Host:     addr,
		Hostname: hostname,
		Port:     port,
		Protocol: orDefault(p.Protocol, "tcp"),
		Name:     "unknown",
	}
	if p.Service != nil {
		svc.Name = orDefault(p.Service.Name, "unknown")
		svc.Product = p.Service.Product
		svc.Version = p.Service.Version
		svc.ExtraInfo = p.Service.ExtraInfo
		svc.Method = p.Service.Method
		svc.Conf = p.Service.Conf
	}
	for _, s := range p.Scripts {
		svc.Scripts = append(svc.Scripts, vulnpatch.ScriptResult{ID: s.ID, Output: s.Output})
	}
	return svc, nil
}

// ensureTrailingClean rejects content after the root element other than
// whitespace, comments and processing instructions.
func ensureTrailingClean(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return errors.New("unexpected text after root element")
			}
		case xml.StartElement:
			return fmt.Errorf("unexpected element <%s> after root element", t.Name.Local)
		}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
