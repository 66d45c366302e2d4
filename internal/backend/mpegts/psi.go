package mpegts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"

	"github.com/asticode/go-astits"

	"github.com/jmylchreest/avdemux/internal/codec"
	"github.com/jmylchreest/avdemux/internal/media"
)

// ESInfo is an elementary stream announced by a PMT.
type ESInfo struct {
	PID        uint16
	StreamType uint8
	Type       media.Type
	Codec      string
	Language   string
	// HearingImpaired is set from DVB subtitling descriptor types.
	HearingImpaired bool
}

// ProgramInfo is a program announced by the PAT.
type ProgramInfo struct {
	Number   uint16
	PMTPID   uint16
	PCRPID   uint16
	Streams  []ESInfo
	Name     string
	Provider string
}

// PSI is the program specific information found at the head of a stream.
type PSI struct {
	Programs []*ProgramInfo
}

// Complete reports whether every program of the PAT had its PMT parsed.
func (p *PSI) Complete() bool {
	if len(p.Programs) == 0 {
		return false
	}
	for _, prog := range p.Programs {
		if prog.PMTPID != 0 && prog.Streams == nil {
			return false
		}
	}
	return true
}

// ProbePSI parses PAT, PMT and SDT tables out of buf with astits.
func ProbePSI(buf []byte) (*PSI, error) {
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(buf))
	psi := &PSI{}
	byNumber := map[uint16]*ProgramInfo{}
	names := map[uint16][2]string{}

	for {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || len(psi.Programs) > 0 {
				break
			}
			return nil, err
		}

		switch {
		case data.PAT != nil:
			for _, p := range data.PAT.Programs {
				if p.ProgramNumber == 0 || byNumber[p.ProgramNumber] != nil {
					continue
				}
				prog := &ProgramInfo{Number: p.ProgramNumber, PMTPID: p.ProgramMapID}
				byNumber[p.ProgramNumber] = prog
				psi.Programs = append(psi.Programs, prog)
			}

		case data.PMT != nil:
			prog := byNumber[data.PMT.ProgramNumber]
			if prog == nil || prog.Streams != nil {
				continue
			}
			prog.PCRPID = data.PMT.PCRPID
			prog.Streams = make([]ESInfo, 0, len(data.PMT.ElementaryStreams))
			for _, es := range data.PMT.ElementaryStreams {
				prog.Streams = append(prog.Streams, esInfo(es))
			}

		case data.SDT != nil:
			for _, s := range data.SDT.Services {
				for _, d := range s.Descriptors {
					if d.Service != nil {
						names[s.ServiceID] = [2]string{string(d.Service.Name), string(d.Service.Provider)}
					}
				}
			}
		}

		if psi.Complete() && len(names) > 0 {
			break
		}
	}

	for _, prog := range psi.Programs {
		if n, ok := names[prog.Number]; ok {
			prog.Name, prog.Provider = n[0], n[1]
		}
	}

	if !psi.Complete() {
		return psi, media.ErrInvalidData
	}
	return psi, nil
}

func esInfo(es *astits.PMTElementaryStream) ESInfo {
	info := ESInfo{PID: es.ElementaryPID, StreamType: uint8(es.StreamType)}

	var hints codec.ESHints
	for _, d := range es.ElementaryStreamDescriptors {
		switch {
		case d.ISO639LanguageAndAudioType != nil:
			info.Language = language(d.ISO639LanguageAndAudioType.Language)
		case d.Subtitling != nil:
			hints.Subtitling = true
			if len(d.Subtitling.Items) > 0 {
				item := d.Subtitling.Items[0]
				if info.Language == "" {
					info.Language = language(item.Language)
				}
				info.HearingImpaired = item.Type >= 0x20 && item.Type <= 0x25
			}
		case d.Teletext != nil:
			hints.Teletext = true
			if len(d.Teletext.Items) > 0 && info.Language == "" {
				info.Language = language(d.Teletext.Items[0].Language)
			}
		case d.AC3 != nil:
			hints.AC3 = true
		case d.EnhancedAC3 != nil:
			hints.EAC3 = true
		case d.Registration != nil:
			var id [4]byte
			binary.BigEndian.PutUint32(id[:], d.Registration.FormatIdentifier)
			hints.Registration = string(id[:])
		}
	}

	info.Type, info.Codec = codec.ClassifyStreamType(info.StreamType, hints)
	return info
}

func language(b []byte) string {
	return strings.ToLower(strings.TrimRight(string(b), "\x00 "))
}
