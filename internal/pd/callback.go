package pd

// Info echoes the header of the frame an event refers to, handed to the
// application callback together with the payload.
type Info struct {
	ComID          uint32
	SrcIP          uint32
	DestIP         uint32
	EtbTopoCnt     uint32
	OpTrnTopoCnt   uint32
	MsgType        MsgType
	SeqCount       uint32
	ProtVersion    uint16
	ReplyComID     uint32
	ReplyIPAddress uint32
	UserRef        any
	ResultCode     error
}

// Callback is invoked by the engine on the work goroutine for received data,
// timeout episodes and every publisher emission. Its return is ignored; it
// must not block and must not re-enter the engine from another goroutine.
type Callback func(info *Info, data []byte)

// Marshaller transforms application data into wire representation on Put.
// It may shrink the payload; the result must not exceed MaxDataSize.
type Marshaller func(userRef any, comID uint32, data []byte) ([]byte, error)

// Unmarshaller is the inverse transform applied on Get.
type Unmarshaller func(userRef any, comID uint32, data []byte) ([]byte, error)
