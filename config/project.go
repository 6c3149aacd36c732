package config

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"slam3d-go/particlefilter"
)

// Anchor is a fixed beacon with a surveyed position, in metres.
type Anchor struct {
	ID    int
	X     float64
	Y     float64
	Z     float64
	Layer int
}

// Point returns the anchor position for the filter.
func (a Anchor) Point() particlefilter.Point {
	return particlefilter.Point{X: a.X, Y: a.Y, Z: a.Z}
}

// PublishTarget is one outbound pose consumer from the project txlist.
type PublishTarget struct {
	Addr string
	Port int
	Type string // "udp" or "tcp"
	Mask uint32
}

func readXML(path string) (*xml.Decoder, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open project file: %w", err)
	}
	return xml.NewDecoder(f), f, nil
}

func attrValue(start xml.StartElement, name string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// ParseProjectAnchors loads the anchorlist of a project.xml keyed by short id.
// Positions in the file are centimetres. Malformed items are skipped.
func ParseProjectAnchors(path string) (map[int]Anchor, error) {
	anchors := map[int]Anchor{}
	dec, f, err := readXML(path)
	if err != nil {
		return anchors, err
	}
	defer f.Close()

	inAnchorList := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return anchors, fmt.Errorf("parse %s: %w", path, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "anchorlist" {
				inAnchorList = true
				continue
			}
			if t.Name.Local != "deviceItem" || !inAnchorList {
				continue
			}
			a, ok := parseDeviceItem(t)
			if !ok {
				continue
			}
			anchors[a.ID] = a
		case xml.EndElement:
			if t.Name.Local == "anchorlist" {
				inAnchorList = false
			}
		}
	}
	return anchors, nil
}

func parseDeviceItem(t xml.StartElement) (Anchor, bool) {
	idStr, ok := attrValue(t, "id")
	if !ok {
		return Anchor{}, false
	}
	posStr, ok := attrValue(t, "pos")
	if !ok {
		return Anchor{}, false
	}
	aid, err := strconv.ParseInt(idStr, 16, 64)
	if err != nil {
		return Anchor{}, false
	}
	coords := strings.Split(posStr, ",")
	if len(coords) < 3 {
		return Anchor{}, false
	}
	x, err1 := strconv.ParseFloat(strings.TrimSpace(coords[0]), 64)
	y, err2 := strconv.ParseFloat(strings.TrimSpace(coords[1]), 64)
	z, err3 := strconv.ParseFloat(strings.TrimSpace(coords[2]), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Anchor{}, false
	}
	cls, _ := attrValue(t, "class")
	shortID := int(aid & 0xFFFF)
	return Anchor{ID: shortID, X: x / 100.0, Y: y / 100.0, Z: z / 100.0, Layer: display2layer(cls)}, true
}

func display2layer(cls string) int {
	if !strings.Contains(cls, ":") {
		return 0
	}
	parts := strings.SplitN(cls, ":", 2)
	rid, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	return rid
}

// ParsePublishTargets loads the txlist of a project.xml.
func ParsePublishTargets(path string) ([]PublishTarget, error) {
	targets := []PublishTarget{}
	dec, f, err := readXML(path)
	if err != nil {
		return targets, err
	}
	defer f.Close()

	inTxList := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return targets, fmt.Errorf("parse %s: %w", path, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "txlist" {
				inTxList = true
				continue
			}
			if t.Name.Local == "transferItem" && inTxList {
				addr, _ := attrValue(t, "addr")
				portStr, _ := attrValue(t, "port")
				typ, _ := attrValue(t, "type")
				maskStr, _ := attrValue(t, "data")

				port, err := strconv.Atoi(portStr)
				if err != nil || addr == "" {
					continue
				}
				mask, _ := strconv.ParseUint(maskStr, 10, 32)
				targets = append(targets, PublishTarget{
					Addr: addr,
					Port: port,
					Type: strings.ToLower(typ),
					Mask: uint32(mask),
				})
			}
		case xml.EndElement:
			if t.Name.Local == "txlist" {
				inTxList = false
			}
		}
	}
	return targets, nil
}
