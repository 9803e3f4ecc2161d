package gdbremote

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"gni.dev/probedap/internal/dbg"
)

const mProfileXML = `<?xml version="1.0"?>
<!DOCTYPE target SYSTEM "gdb-target.dtd">
<target version="1.0">
  <architecture>arm</architecture>
  <feature name="org.gnu.gdb.arm.m-profile">
    <reg name="r0" bitsize="32"/>
    <reg name="r1" bitsize="32"/>
    <reg name="sp" bitsize="32" type="data_ptr"/>
    <reg name="lr" bitsize="32"/>
    <reg name="pc" bitsize="32" type="code_ptr"/>
    <reg name="xpsr" bitsize="32" regnum="25"/>
  </feature>
  <feature name="org.gnu.gdb.arm.m-system">
    <reg name="msp" bitsize="32"/>
    <reg name="psp" bitsize="32"/>
  </feature>
</target>`

func TestParseTargetDesc(t *testing.T) {
	got, err := parseTargetDesc([]byte(mProfileXML), nil)
	assert.Nil(t, err)

	want := map[dbg.RegisterID]remoteReg{
		0:           {num: 0, bits: 32},
		1:           {num: 1, bits: 32},
		dbg.RegSP:   {num: 2, bits: 32},
		dbg.RegLR:   {num: 3, bits: 32},
		dbg.RegPC:   {num: 4, bits: 32},
		dbg.RegXPSR: {num: 25, bits: 32},
		dbg.RegMSP:  {num: 26, bits: 32},
		dbg.RegPSP:  {num: 27, bits: 32},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(remoteReg{})); diff != "" {
		t.Errorf("register map mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTargetDescInclude(t *testing.T) {
	doc := `<target><xi:include href="core.xml"/></target>`
	annex := `<feature name="org.gnu.gdb.arm.m-profile"><reg name="r13" bitsize="32" regnum="13"/></feature>`

	var asked []string
	got, err := parseTargetDesc([]byte(doc), func(href string) ([]byte, error) {
		asked = append(asked, href)
		return []byte(annex), nil
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"core.xml"}, asked)
	assert.Equal(t, remoteReg{num: 13, bits: 32}, got[dbg.RegSP])

	_, err = parseTargetDesc([]byte(doc), func(string) ([]byte, error) {
		return nil, fmt.Errorf("gone")
	})
	assert.NotNil(t, err)
}

func TestParseTargetDescFallback(t *testing.T) {
	got, err := parseTargetDesc([]byte(`<target><feature name="x"><reg name="q0" bitsize="128"/></feature></target>`), nil)
	assert.Nil(t, err)
	assert.Equal(t, defaultRegisterMap(), got)

	_, err = parseTargetDesc([]byte("<target"), nil)
	assert.NotNil(t, err)
}
