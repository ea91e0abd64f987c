package thorlabs

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

/*APT framing.  Every message starts with a six byte header:

	0-1 message ID, LSB first
	2   param1
	3   param2
	4   destination
	5   source

If the destination has bit 7 set, bytes 2-3 are instead the LSB first length
of a data packet that follows the header.
*/
const (
	headerLen = 6
	longFlag  = 0x80

	addrHost    = 0x01
	addrGeneric = 0x50
	addrBay1    = 0x21

	msgHWReqInfo            uint16 = 0x0005
	msgHWGetInfo            uint16 = 0x0006
	msgHWStopUpdateMsgs     uint16 = 0x0012
	msgHWNoFlashProgramming uint16 = 0x0018
	msgHWResponse           uint16 = 0x0080
	msgHWRichResponse       uint16 = 0x0081
	msgModSetChanEnable     uint16 = 0x0210
	msgMotSetGenMoveParams  uint16 = 0x043A
	msgMotMoveRelative      uint16 = 0x0448
	msgMotMoveAbsolute      uint16 = 0x0453
	msgMotMoveCompleted     uint16 = 0x0464
	msgMotMoveStopped       uint16 = 0x0466
	msgMotReqStatusUpdate   uint16 = 0x0480
	msgMotGetStatusUpdate   uint16 = 0x0481
	msgMotAckStatusUpdate   uint16 = 0x0492

	enableOn  = 0x01
	enableOff = 0x02

	// maxData bounds the data packet, the longest APT message is well under this
	maxData = 512
)

type message struct {
	ID     uint16
	Param1 byte
	Param2 byte
	Dest   byte
	Source byte
	Data   []byte
}

func (m message) encode() []byte {
	if len(m.Data) == 0 {
		return []byte{byte(m.ID), byte(m.ID >> 8), m.Param1, m.Param2, m.Dest, m.Source}
	}
	buf := make([]byte, headerLen+len(m.Data))
	binary.LittleEndian.PutUint16(buf[0:2], m.ID)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(m.Data)))
	buf[4] = m.Dest | longFlag
	buf[5] = m.Source
	copy(buf[headerLen:], m.Data)
	return buf
}

func readMessage(r io.Reader) (message, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return message{}, err
	}
	m := message{
		ID:     binary.LittleEndian.Uint16(hdr[0:2]),
		Dest:   hdr[4] &^ longFlag,
		Source: hdr[5]}
	if hdr[4]&longFlag == 0 {
		m.Param1, m.Param2 = hdr[2], hdr[3]
		return m, nil
	}
	n := int(binary.LittleEndian.Uint16(hdr[2:4]))
	if n > maxData {
		return m, fmt.Errorf("APT message 0x%04X claims %d data bytes", m.ID, n)
	}
	m.Data = make([]byte, n)
	if _, err := io.ReadFull(r, m.Data); err != nil {
		return m, err
	}
	return m, nil
}

// chanInt32 builds the common "channel ident, int32" data packet
func chanInt32(ident uint16, v int32) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:2], ident)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(v))
	return buf
}

// status is the body of MOT_GET_STATUSUPDATE and MOT_MOVE_COMPLETED
type status struct {
	Ident    uint16
	Position int32
	Encoder  int32
	Bits     uint32
}

func decodeStatus(b []byte) (status, error) {
	if len(b) < 14 {
		return status{}, fmt.Errorf("status packet of %d bytes, need 14", len(b))
	}
	return status{
		Ident:    binary.LittleEndian.Uint16(b[0:2]),
		Position: int32(binary.LittleEndian.Uint32(b[2:6])),
		Encoder:  int32(binary.LittleEndian.Uint32(b[6:10])),
		Bits:     binary.LittleEndian.Uint32(b[10:14])}, nil
}

func (s status) encode() []byte {
	buf := make([]byte, 14)
	binary.LittleEndian.PutUint16(buf[0:2], s.Ident)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(s.Position))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(s.Encoder))
	binary.LittleEndian.PutUint32(buf[10:14], s.Bits)
	return buf
}

// Info is the body of HW_GET_INFO
type Info struct {
	Serial   string
	Model    string
	Firmware string
}

func decodeInfo(b []byte) (Info, error) {
	if len(b) < 18 {
		return Info{}, fmt.Errorf("info packet of %d bytes, need at least 18", len(b))
	}
	sn := binary.LittleEndian.Uint32(b[0:4])
	fw := b[14:18]
	return Info{
		Serial:   strconv.FormatUint(uint64(sn), 10),
		Model:    strings.TrimRight(string(b[4:12]), "\x00 "),
		Firmware: fmt.Sprintf("%d.%d.%d", fw[2], fw[1], fw[0])}, nil
}
