package gdbremote

import (
	"encoding/xml"
	"strconv"
	"strings"

	"gni.dev/probedap/internal/dbg"
)

// remoteReg is a register as numbered by the probe server.
type remoteReg struct {
	num  int
	bits int
}

type tdescTarget struct {
	Features []tdescFeature `xml:"feature"`
	Includes []tdescInclude `xml:"include"`
}

type tdescFeature struct {
	Name string     `xml:"name,attr"`
	Regs []tdescReg `xml:"reg"`
}

type tdescInclude struct {
	Href string `xml:"href,attr"`
}

type tdescReg struct {
	Name    string `xml:"name,attr"`
	Bitsize string `xml:"bitsize,attr"`
	Regnum  string `xml:"regnum,attr"`
}

// defaultRegisterMap is the m-profile layout used when the server does not
// describe its registers.
func defaultRegisterMap() map[dbg.RegisterID]remoteReg {
	m := make(map[dbg.RegisterID]remoteReg)
	for i := 0; i < 16; i++ {
		m[dbg.RegisterID(i)] = remoteReg{num: i, bits: 32}
	}
	m[dbg.RegXPSR] = remoteReg{num: 16, bits: 32}
	return m
}

// parseTargetDesc maps the registers of a target description onto core
// register IDs. Registers are numbered in document order unless a regnum
// attribute says otherwise. include resolves xi:include annexes.
func parseTargetDesc(doc []byte, include func(href string) ([]byte, error)) (map[dbg.RegisterID]remoteReg, error) {
	var regs []tdescReg
	if err := collectRegs(doc, include, &regs, 0); err != nil {
		return nil, err
	}

	m := make(map[dbg.RegisterID]remoteReg)
	next := 0
	for _, r := range regs {
		num := next
		if r.Regnum != "" {
			n, err := strconv.Atoi(r.Regnum)
			if err != nil {
				return nil, err
			}
			num = n
		}
		next = num + 1

		bits, _ := strconv.Atoi(r.Bitsize)
		if reg, ok := dbg.LookupRegister(strings.ToLower(r.Name)); ok {
			if _, dup := m[reg.ID]; !dup {
				m[reg.ID] = remoteReg{num: num, bits: bits}
			}
		}
	}
	if len(m) == 0 {
		return defaultRegisterMap(), nil
	}
	return m, nil
}

func collectRegs(doc []byte, include func(string) ([]byte, error), regs *[]tdescReg, depth int) error {
	var t tdescTarget
	if err := xml.Unmarshal(doc, &t); err != nil {
		return err
	}
	for _, f := range t.Features {
		*regs = append(*regs, f.Regs...)
	}
	if depth > 2 || include == nil {
		return nil
	}
	for _, inc := range t.Includes {
		sub, err := include(inc.Href)
		if err != nil {
			return err
		}
		// Included annexes are bare <feature> documents.
		var f tdescFeature
		if err := xml.Unmarshal(sub, &f); err == nil && len(f.Regs) > 0 {
			*regs = append(*regs, f.Regs...)
			continue
		}
		if err := collectRegs(sub, include, regs, depth+1); err != nil {
			return err
		}
	}
	return nil
}
