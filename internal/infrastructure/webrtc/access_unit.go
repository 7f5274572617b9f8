package webrtc

import (
	"github.com/pion/webrtc/v3/pkg/media/h264reader"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// accessUnit is one encoded picture in Annex-B form.
type accessUnit struct {
	data     []byte
	keyframe bool
}

// auAssembler groups NAL units from the engine's elementary stream into
// access units so each picture is packetized with one RTP timestamp.
type auAssembler struct {
	nals     [][]byte
	hasVCL   bool
	keyframe bool
}

func isVCL(t h264reader.NalUnitType) bool {
	return t == h264reader.NalUnitTypeCodedSliceNonIdr || t == h264reader.NalUnitTypeCodedSliceIdr
}

// push adds one NAL and returns the previous access unit when nal starts a
// new one.
func (a *auAssembler) push(nal *h264reader.NAL) (accessUnit, bool) {
	if nal == nil || len(nal.Data) == 0 {
		return accessUnit{}, false
	}

	var out accessUnit
	var ready bool
	switch t := nal.UnitType; {
	case isVCL(t):
		// first_mb_in_slice == 0 starts a new picture
		if a.hasVCL && len(nal.Data) > 1 && nal.Data[1]&0x80 != 0 {
			out, ready = a.flush()
		}
	case t == h264reader.NalUnitTypeAUD, t == h264reader.NalUnitTypeSPS, t == h264reader.NalUnitTypePPS:
		if a.hasVCL {
			out, ready = a.flush()
		}
	}

	if nal.UnitType == h264reader.NalUnitTypeAUD {
		return out, ready
	}
	a.nals = append(a.nals, nal.Data)
	if isVCL(nal.UnitType) {
		a.hasVCL = true
	}
	if nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr {
		a.keyframe = true
	}
	return out, ready
}

// flush returns the pending access unit, if it holds a picture.
func (a *auAssembler) flush() (accessUnit, bool) {
	defer a.reset()
	if !a.hasVCL {
		return accessUnit{}, false
	}

	size := 0
	for _, n := range a.nals {
		size += len(annexBStartCode) + len(n)
	}
	data := make([]byte, 0, size)
	for _, n := range a.nals {
		data = append(data, annexBStartCode...)
		data = append(data, n...)
	}
	return accessUnit{data: data, keyframe: a.keyframe}, true
}

func (a *auAssembler) reset() {
	a.nals = nil
	a.hasVCL = false
	a.keyframe = false
}
