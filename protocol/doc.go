// Package protocol defines the data model and wire codec for SOCKS5
// bytestream negotiation.
//
// # Data model
//
// A SessionKey {Initiator, Target, SID} identifies one negotiation. Its
// HashKey, the hex SHA-1 of sid+initiator+target, is the only thing ever
// presented as the SOCKS5 destination name; it is a routing token and never
// resolved. A Candidate {JID, Host, Port, IsProxy} is one endpoint offered
// for the session.
//
// # Stanzas
//
// The codec maps the bytestreams stanzas onto encoding/xml structs:
//
//	<iq type="set"><query xmlns="http://jabber.org/protocol/bytestreams" sid="..." mode="tcp">
//	  <streamhost jid="..." host="..." port="..."><proxy xmlns="http://affinix.com/jabber/stream"/></streamhost>
//	  <fast xmlns="http://affinix.com/jabber/stream"/>
//	</query></iq>
//
// Builders (NewRequest, NewStreamHostUsed, NewProxyQuery, NewActivation,
// NewErrorReply, NewFastActivate, NewUDPSuccess) produce stanzas ready for
// Encode; parsers (ParseRequest, StreamHostUsedJID, ParseProxyInfo,
// ParseActivation) validate what Decode returns.
//
// # Datagrams
//
// Datagram payloads carry a 4-byte big-endian {source port, dest port}
// envelope; see Datagram.MarshalEnvelope and ParseEnvelope.
package protocol
