package wire

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"

	"github.com/sameer-m-dev/mongolink/description"
)

// https://github.com/mongodb/mongo/blob/ca57a4d640aee04ef373a50b24e79d85f0bb91a0/src/mongo/client/constants.h#L50
const resultFlagAwaitCapable = wiremessage.ReplyFlag(8)

// HelloRequest encodes the monitor's handshake probe as a legacy OP_QUERY
// against admin.$cmd, which every supported server version answers. Returns
// the full wire message and its request ID.
func HelloRequest() ([]byte, int32) {
	requestID := wiremessage.NextRequestID()

	idx, wm := wiremessage.AppendHeaderStart(nil, requestID, 0, wiremessage.OpQuery)
	wm = wiremessage.AppendQueryFlags(wm, 0)
	wm = wiremessage.AppendQueryFullCollectionName(wm, "admin.$cmd")
	wm = wiremessage.AppendQueryNumberToSkip(wm, 0)
	wm = wiremessage.AppendQueryNumberToReturn(wm, -1)

	cmd, err := bson.Marshal(bson.D{
		{Key: "isMaster", Value: 1},
		{Key: "helloOk", Value: true},
	})
	if err != nil {
		// bson.D of constants cannot fail to marshal
		panic(err)
	}
	wm = append(wm, cmd...)

	return bsoncore.UpdateLength(wm, idx, int32(len(wm[idx:]))), requestID
}

// Hello is the subset of an isMaster/hello reply the topology needs: the
// server's role and its reported replica-set membership.
type Hello struct {
	OK          bool
	IsMaster    bool
	Secondary   bool
	Msg         string
	SetName     string
	Hosts       []string
	Passives    []string
	PrimaryHost string
}

// DecodeHelloReply parses an OP_REPLY wire message into the reply document
// and extracts the handshake fields.
func DecodeHelloReply(wm []byte) (Hello, error) {
	var hello Hello

	_, _, _, opcode, rem, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return hello, fmt.Errorf("malformed wire message: missing header")
	}
	if opcode != wiremessage.OpReply {
		return hello, fmt.Errorf("expected OP_REPLY, got opcode %d", opcode)
	}

	_, rem, ok = wiremessage.ReadReplyFlags(rem)
	if !ok {
		return hello, fmt.Errorf("malformed OP_REPLY: missing flags")
	}
	_, rem, ok = wiremessage.ReadReplyCursorID(rem)
	if !ok {
		return hello, fmt.Errorf("malformed OP_REPLY: missing cursor ID")
	}
	_, rem, ok = wiremessage.ReadReplyStartingFrom(rem)
	if !ok {
		return hello, fmt.Errorf("malformed OP_REPLY: missing starting from")
	}
	numReturned, rem, ok := wiremessage.ReadReplyNumberReturned(rem)
	if !ok || numReturned < 1 {
		return hello, fmt.Errorf("malformed OP_REPLY: no documents returned")
	}
	doc, _, ok := bsoncore.ReadDocument(rem)
	if !ok {
		return hello, fmt.Errorf("malformed OP_REPLY: bad document")
	}
	if err := doc.Validate(); err != nil {
		return hello, fmt.Errorf("invalid hello document: %w", err)
	}

	return parseHello(doc)
}

func parseHello(doc bsoncore.Document) (Hello, error) {
	var hello Hello

	elements, err := doc.Elements()
	if err != nil {
		return hello, err
	}

	for _, element := range elements {
		value := element.Value()
		switch element.Key() {
		case "ok":
			if v, ok := value.DoubleOK(); ok {
				hello.OK = v == 1
			} else if v, ok := value.AsInt64OK(); ok {
				hello.OK = v == 1
			}
		case "ismaster", "isWritablePrimary":
			if v, ok := value.BooleanOK(); ok && v {
				hello.IsMaster = true
			}
		case "secondary":
			hello.Secondary, _ = value.BooleanOK()
		case "msg":
			hello.Msg, _ = value.StringValueOK()
		case "setName":
			hello.SetName, _ = value.StringValueOK()
		case "primary":
			hello.PrimaryHost, _ = value.StringValueOK()
		case "hosts":
			hello.Hosts = readStringArray(value)
		case "passives":
			hello.Passives = readStringArray(value)
		}
	}

	return hello, nil
}

func readStringArray(value bsoncore.Value) []string {
	arr, ok := value.ArrayOK()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	var out []string
	for _, v := range values {
		if s, ok := v.StringValueOK(); ok {
			out = append(out, s)
		}
	}
	return out
}

// Kind maps the handshake fields to the server's role.
func (h Hello) Kind() description.ServerKind {
	switch {
	case !h.OK:
		return description.ServerKindUnknown
	case h.Msg == "isdbgrid":
		return description.Mongos
	case h.SetName != "" && h.IsMaster:
		return description.RSPrimary
	case h.SetName != "" && h.Secondary:
		return description.RSSecondary
	case h.SetName != "":
		return description.ServerKindUnknown
	case h.IsMaster:
		return description.Standalone
	default:
		return description.ServerKindUnknown
	}
}

// HelloResponse encodes an OP_REPLY answering a hello probe, emulating an
// upstream server of the given role. Production code never sends it; it
// exists so tests and tooling can stand up in-process servers.
func HelloResponse(responseTo int32, kind description.ServerKind, setName string, hosts []string) []byte {
	ns := time.Now().UnixNano()
	ms := ns / 1e6

	doc := bson.D{
		{Key: "maxBsonObjectSize", Value: 16777216},
		{Key: "maxMessageSizeBytes", Value: 48000000},
		{Key: "maxWriteBatchSize", Value: 100000},
		{Key: "localTime", Value: bson.D{{Key: "$date", Value: ms}}},
		{Key: "logicalSessionTimeoutMinutes", Value: 30},
		{Key: "minWireVersion", Value: 0},
		{Key: "maxWireVersion", Value: 25},
	}

	switch kind {
	case description.Standalone:
		doc = append(doc, bson.E{Key: "ismaster", Value: true})
	case description.Mongos:
		doc = append(doc, bson.E{Key: "ismaster", Value: true})
		doc = append(doc, bson.E{Key: "msg", Value: "isdbgrid"})
	case description.RSPrimary:
		doc = append(doc, bson.E{Key: "ismaster", Value: true})
		doc = append(doc, bson.E{Key: "setName", Value: setName})
		doc = append(doc, bson.E{Key: "hosts", Value: hosts})
	case description.RSSecondary:
		doc = append(doc, bson.E{Key: "ismaster", Value: false})
		doc = append(doc, bson.E{Key: "secondary", Value: true})
		doc = append(doc, bson.E{Key: "setName", Value: setName})
		doc = append(doc, bson.E{Key: "hosts", Value: hosts})
	}
	doc = append(doc, bson.E{Key: "ok", Value: 1.0})

	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}

	idx, wm := wiremessage.AppendHeaderStart(nil, wiremessage.NextRequestID(), responseTo, wiremessage.OpReply)
	wm = wiremessage.AppendReplyFlags(wm, resultFlagAwaitCapable)
	wm = wiremessage.AppendReplyCursorID(wm, 0)
	wm = wiremessage.AppendReplyStartingFrom(wm, 0)
	wm = wiremessage.AppendReplyNumberReturned(wm, 1)
	wm = append(wm, raw...)

	return bsoncore.UpdateLength(wm, idx, int32(len(wm[idx:])))
}
