package chunk

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/amine-amaach/uasc/internal/model"
	"github.com/amine-amaach/uasc/internal/policy"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkSize = 256

// testMaxBody is the body capacity of a clear MSG chunk of testChunkSize.
const testMaxBody = testChunkSize - SecureHeaderSize - SymmetricSecurityHeaderSize - SequenceHeaderSize

type recorder struct {
	events []Event
}

func (r *recorder) handle(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) kind(k EventKind) []Event {
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

type staticResolver struct {
	asym Opener
	sym  Opener
}

func (r staticResolver) OpenAsymmetric(*AsymmetricSecurityHeader) (Opener, error) { return r.asym, nil }

func (r staticResolver) OpenSymmetric(uint32) (Opener, error) { return r.sym, nil }

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func chunkMessage(t *testing.T, c *MessageChunker, msgType MessageType, opts Options, body []byte) [][]byte {
	t.Helper()
	var chunks [][]byte
	err := c.ChunkSecureMessage(msgType, opts, bytes.NewReader(body), func(b []byte) {
		chunks = append(chunks, b)
	})
	require.NoError(t, err)
	return chunks
}

func clearOptions() Options {
	return Options{
		ChunkSize:      testChunkSize,
		ChannelID:      7,
		RequestID:      42,
		SecurityHeader: &SymmetricSecurityHeader{TokenID: 1},
	}
}

func TestChunkRoundTrip(t *testing.T) {
	testCases := []struct {
		name       string
		size       int
		wantChunks int
	}{
		{name: "empty", size: 0, wantChunks: 1},
		{name: "one_below_capacity", size: testMaxBody - 1, wantChunks: 1},
		{name: "exact_capacity", size: testMaxBody, wantChunks: 1},
		{name: "one_above_capacity", size: testMaxBody + 1, wantChunks: 2},
		{name: "large", size: 20*testMaxBody + 17, wantChunks: 21},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body := payload(tc.size)
			chunks := chunkMessage(t, NewMessageChunker(), MessageTypeMessage, clearOptions(), body)
			require.Len(t, chunks, tc.wantChunks)

			for i, c := range chunks {
				h, err := ParseHeader(c)
				require.NoError(t, err)
				assert.Equal(t, uint32(len(c)), h.Length)
				assert.LessOrEqual(t, len(c), testChunkSize)
				if i == len(chunks)-1 {
					assert.Equal(t, ChunkFinal, h.ChunkType)
				} else {
					assert.Equal(t, ChunkIntermediate, h.ChunkType)
				}
			}

			rec := &recorder{}
			b := NewMessageBuilder(BuilderOptions{MaxChunkSize: testChunkSize}, rec.handle)
			for _, c := range chunks {
				b.Feed(c)
			}
			assert.Empty(t, rec.kind(EventError))
			assert.Empty(t, rec.kind(EventInvalidSequenceNumber))
			assert.Len(t, rec.kind(EventChunk), tc.wantChunks)
			full := rec.kind(EventFullMessageBody)
			require.Len(t, full, 1)
			assert.Equal(t, body, full[0].Body)
			assert.Equal(t, uint32(7), full[0].ChannelID)
			assert.Equal(t, uint32(42), full[0].RequestID)
		})
	}
}

func TestChunkArbitraryFragmentation(t *testing.T) {
	body := payload(5*testMaxBody + 3)
	chunks := chunkMessage(t, NewMessageChunker(), MessageTypeMessage, clearOptions(), body)
	stream := bytes.Join(chunks, nil)

	testCases := []struct {
		name  string
		split func(r *rand.Rand) int
	}{
		{name: "byte_by_byte", split: func(*rand.Rand) int { return 1 }},
		{name: "header_sized", split: func(*rand.Rand) int { return HeaderSize }},
		{name: "random", split: func(r *rand.Rand) int { return 1 + r.Intn(3*testChunkSize) }},
		{name: "whole_stream", split: func(*rand.Rand) int { return len(stream) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := rand.New(rand.NewSource(1))
			rec := &recorder{}
			b := NewMessageBuilder(BuilderOptions{MaxChunkSize: testChunkSize}, rec.handle)
			for rest := stream; len(rest) > 0; {
				n := tc.split(r)
				if n > len(rest) {
					n = len(rest)
				}
				b.Feed(rest[:n])
				rest = rest[n:]
			}
			assert.Empty(t, rec.kind(EventError))
			full := rec.kind(EventFullMessageBody)
			require.Len(t, full, 1)
			assert.Equal(t, body, full[0].Body)
		})
	}
}

func TestChunkSecuredRoundTrip(t *testing.T) {
	keys, err := policy.DeriveKeys(policy.Basic256Sha256, payload(32), bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	testCases := []struct {
		name string
		mode ua.MessageSecurityMode
	}{
		{name: "sign", mode: ua.MessageSecurityModeSign},
		{name: "sign_and_encrypt", mode: ua.MessageSecurityModeSignAndEncrypt},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			strategy := policy.NewSymmetricStrategy(keys, tc.mode)
			require.NotNil(t, strategy)
			opts := clearOptions()
			opts.ChunkSize = 1024
			opts.Sealer = strategy

			for _, size := range []int{0, 1, 900, 4000} {
				body := payload(size)
				chunks := chunkMessage(t, NewMessageChunker(), MessageTypeMessage, opts, body)
				for _, c := range chunks {
					assert.LessOrEqual(t, len(c), opts.ChunkSize)
					if tc.mode == ua.MessageSecurityModeSignAndEncrypt {
						assert.Zero(t, (len(c)-SecureHeaderSize-SymmetricSecurityHeaderSize)%keys.BlockSize)
					}
				}

				rec := &recorder{}
				b := NewMessageBuilder(BuilderOptions{MaxChunkSize: opts.ChunkSize, Resolver: staticResolver{sym: strategy}}, rec.handle)
				for _, c := range chunks {
					b.Feed(c)
				}
				require.Empty(t, rec.kind(EventError), "size %d", size)
				full := rec.kind(EventFullMessageBody)
				require.Len(t, full, 1)
				assert.Equal(t, body, full[0].Body, "size %d", size)
			}
		})
	}
}

func TestChunkTamperedSignature(t *testing.T) {
	keys, err := policy.DeriveKeys(policy.Basic256Sha256, payload(32), payload(32))
	require.NoError(t, err)
	strategy := policy.NewSymmetricStrategy(keys, ua.MessageSecurityModeSign)
	opts := clearOptions()
	opts.Sealer = strategy

	chunks := chunkMessage(t, NewMessageChunker(), MessageTypeMessage, opts, payload(100))
	require.Len(t, chunks, 1)
	chunks[0][len(chunks[0])-1] ^= 0x01

	rec := &recorder{}
	b := NewMessageBuilder(BuilderOptions{MaxChunkSize: testChunkSize, Resolver: staticResolver{sym: strategy}}, rec.handle)
	b.Feed(chunks[0])

	errs := rec.kind(EventError)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0].Err, model.BadSecurityChecksFailed))
	assert.Empty(t, rec.kind(EventFullMessageBody))
	assert.Empty(t, rec.kind(EventMessage))
}

func TestChunkFailureDropsRestOfMessage(t *testing.T) {
	keys, err := policy.DeriveKeys(policy.Basic256Sha256, payload(32), payload(32))
	require.NoError(t, err)
	strategy := policy.NewSymmetricStrategy(keys, ua.MessageSecurityModeSign)

	testCases := []struct {
		name      string
		sealer    Sealer
		builder   BuilderOptions
		body      int
		chunks    int
		tamper    func(chunks [][]byte)
		errStatus ua.StatusCode
	}{
		{
			name:      "tampered_middle_signature",
			sealer:    strategy,
			builder:   BuilderOptions{MaxChunkSize: testChunkSize, Resolver: staticResolver{sym: strategy}},
			body:      2 * testMaxBody,
			chunks:    3,
			tamper:    func(chunks [][]byte) { chunks[1][len(chunks[1])-1] ^= 0x01 },
			errStatus: model.BadSecurityChecksFailed,
		},
		{
			name:      "chunk_count_exceeded",
			builder:   BuilderOptions{MaxChunkSize: testChunkSize, MaxChunkCount: 2},
			body:      4 * testMaxBody,
			chunks:    4,
			tamper:    func([][]byte) {},
			errStatus: model.BadTCPMessageTooLarge,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := clearOptions()
			if tc.sealer != nil {
				opts.Sealer = tc.sealer
			}
			c := NewMessageChunker()
			chunks := chunkMessage(t, c, MessageTypeMessage, opts, payload(tc.body))
			require.Len(t, chunks, tc.chunks)
			tc.tamper(chunks)

			rec := &recorder{}
			b := NewMessageBuilder(tc.builder, rec.handle)
			for _, chunk := range chunks {
				b.Feed(chunk)
			}
			errs := rec.kind(EventError)
			require.Len(t, errs, 1)
			assert.True(t, errors.Is(errs[0].Err, tc.errStatus), "%v", errs[0].Err)
			assert.Empty(t, rec.kind(EventFullMessageBody))
			assert.Empty(t, rec.kind(EventMessage))

			// the next message is assembled normally
			opts.RequestID++
			for _, chunk := range chunkMessage(t, c, MessageTypeMessage, opts, payload(10)) {
				b.Feed(chunk)
			}
			full := rec.kind(EventFullMessageBody)
			require.Len(t, full, 1)
			assert.Equal(t, payload(10), full[0].Body)
			assert.Len(t, rec.kind(EventError), 1)
			assert.Empty(t, rec.kind(EventInvalidSequenceNumber))
		})
	}
}

func TestChunkDuplicateSequenceNumber(t *testing.T) {
	chunks := chunkMessage(t, NewMessageChunker(), MessageTypeMessage, clearOptions(), payload(10))
	require.Len(t, chunks, 1)

	rec := &recorder{}
	b := NewMessageBuilder(BuilderOptions{MaxChunkSize: testChunkSize}, rec.handle)
	b.Feed(chunks[0])
	b.Feed(chunks[0])

	invalid := rec.kind(EventInvalidSequenceNumber)
	require.Len(t, invalid, 1)
	assert.Equal(t, uint32(2), invalid[0].Expected)
	assert.Equal(t, uint32(1), invalid[0].Found)
	assert.Len(t, rec.kind(EventFullMessageBody), 2)
}

func TestChunkSequenceNumberWrap(t *testing.T) {
	c := NewMessageChunker()
	c.SequenceNumberGenerator().Set(MaxSequenceNumber)
	chunks := chunkMessage(t, c, MessageTypeMessage, clearOptions(), payload(3*testMaxBody))
	require.Len(t, chunks, 3)

	rec := &recorder{}
	b := NewMessageBuilder(BuilderOptions{MaxChunkSize: testChunkSize}, rec.handle)
	for _, chunk := range chunks {
		b.Feed(chunk)
	}
	assert.Empty(t, rec.kind(EventInvalidSequenceNumber))
	assert.Len(t, rec.kind(EventFullMessageBody), 1)
}

func TestChunkLimits(t *testing.T) {
	t.Run("oversized_chunk_breaks_stream", func(t *testing.T) {
		opts := clearOptions()
		opts.ChunkSize = 1024
		chunks := chunkMessage(t, NewMessageChunker(), MessageTypeMessage, opts, payload(900))

		rec := &recorder{}
		b := NewMessageBuilder(BuilderOptions{MaxChunkSize: testChunkSize}, rec.handle)
		b.Feed(chunks[0])
		errs := rec.kind(EventError)
		require.Len(t, errs, 1)
		assert.True(t, errors.Is(errs[0].Err, model.BadTCPMessageTooLarge))

		b.Feed(chunks[0])
		assert.Len(t, rec.kind(EventError), 1)
	})

	t.Run("sender_aborts_after_chunk_count", func(t *testing.T) {
		opts := clearOptions()
		opts.MaxChunkCount = 2
		var chunks [][]byte
		err := NewMessageChunker().ChunkSecureMessage(MessageTypeMessage, opts, bytes.NewReader(payload(3*testMaxBody)), func(b []byte) {
			chunks = append(chunks, b)
		})
		assert.True(t, errors.Is(err, ErrMessageTooLarge))
		require.Len(t, chunks, 3)
		h, _ := ParseHeader(chunks[2])
		assert.Equal(t, ChunkAbort, h.ChunkType)

		rec := &recorder{}
		b := NewMessageBuilder(BuilderOptions{MaxChunkSize: testChunkSize}, rec.handle)
		for _, c := range chunks {
			b.Feed(c)
		}
		errs := rec.kind(EventError)
		require.Len(t, errs, 1)
		assert.True(t, errors.Is(errs[0].Err, model.BadTCPMessageTooLarge))
		assert.Empty(t, rec.kind(EventFullMessageBody))
	})

	t.Run("sender_rejects_message_size", func(t *testing.T) {
		opts := clearOptions()
		opts.MaxMessageSize = 100
		var chunks [][]byte
		err := NewMessageChunker().ChunkSecureMessage(MessageTypeMessage, opts, bytes.NewReader(payload(101)), func(b []byte) {
			chunks = append(chunks, b)
		})
		assert.True(t, errors.Is(err, ErrMessageTooLarge))
		assert.Empty(t, chunks)
	})

	t.Run("receiver_rejects_message_size", func(t *testing.T) {
		chunks := chunkMessage(t, NewMessageChunker(), MessageTypeMessage, clearOptions(), payload(2*testMaxBody))
		rec := &recorder{}
		b := NewMessageBuilder(BuilderOptions{MaxChunkSize: testChunkSize, MaxMessageSize: testMaxBody}, rec.handle)
		for _, c := range chunks {
			b.Feed(c)
		}
		require.Len(t, rec.kind(EventError), 1)
		assert.Empty(t, rec.kind(EventFullMessageBody))
	})
}

func TestChunkTruncatedClose(t *testing.T) {
	testCases := []struct {
		name  string
		frame []byte
	}{
		{name: "header_only", frame: frame(MessageTypeCloseSecureChannel, nil)},
		{name: "channel_id_only", frame: frame(MessageTypeCloseSecureChannel, []byte{7, 0, 0, 0})},
		{name: "token_id_only", frame: frame(MessageTypeCloseSecureChannel, []byte{7, 0, 0, 0, 1, 0, 0, 0})},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			b := NewMessageBuilder(BuilderOptions{}, rec.handle)
			b.Feed(tc.frame)
			assert.Empty(t, rec.kind(EventError))
			msgs := rec.kind(EventMessage)
			require.Len(t, msgs, 1)
			assert.Equal(t, MessageTypeCloseSecureChannel, msgs[0].MessageType)
			assert.Nil(t, msgs[0].Message)
		})
	}
}

func TestChunkUnexpectedFrames(t *testing.T) {
	testCases := []struct {
		name  string
		frame []byte
		code  ua.StatusCode
	}{
		{name: "hello_on_secure_channel", frame: frame(MessageTypeHello, make([]byte, 20)), code: model.BadTCPMessageTypeInvalid},
		{name: "unknown_type", frame: append([]byte("XYZF"), 8, 0, 0, 0), code: model.BadTCPMessageTypeInvalid},
		{name: "peer_error", frame: frame(MessageTypeError, []byte{0x00, 0x00, 0x80, 0x80, 0xff, 0xff, 0xff, 0xff}), code: ua.StatusCode(0x80800000)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			b := NewMessageBuilder(BuilderOptions{}, rec.handle)
			b.Feed(tc.frame)
			errs := rec.kind(EventError)
			require.Len(t, errs, 1)
			assert.Equal(t, tc.code, model.StatusOf(errs[0].Err))
		})
	}
}

func TestChunkMutatedOpenNeverPanics(t *testing.T) {
	opts := Options{
		ChunkSize: 1024,
		ChannelID: 0,
		RequestID: 1,
		SecurityHeader: &AsymmetricSecurityHeader{
			SecurityPolicyURI: ua.SecurityPolicyURINone,
		},
	}
	chunks := chunkMessage(t, NewMessageChunker(), MessageTypeOpenSecureChannel, opts, payload(120))
	require.Len(t, chunks, 1)
	valid := chunks[0]

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		mutated := append([]byte(nil), valid...)
		for n := 1 + r.Intn(3); n > 0; n-- {
			mutated[r.Intn(len(mutated))] = byte(r.Intn(256))
		}
		cut := len(mutated)
		if r.Intn(4) == 0 {
			cut = r.Intn(len(mutated) + 1)
		}
		assert.NotPanics(t, func() {
			b := NewMessageBuilder(BuilderOptions{MaxChunkSize: 1024}, nil)
			b.Feed(mutated[:cut])
			b.Feed(valid)
		})
	}
}

// frame builds a raw frame with a correct length prefix.
func frame(msgType MessageType, rest []byte) []byte {
	b := make([]byte, HeaderSize+len(rest))
	Header{MessageType: msgType, ChunkType: ChunkFinal, Length: uint32(len(b))}.Put(b)
	copy(b[HeaderSize:], rest)
	return b
}

func TestAsymmetricSecurityHeaderBounds(t *testing.T) {
	h := &AsymmetricSecurityHeader{
		SecurityPolicyURI:             ua.SecurityPolicyURIBasic256Sha256,
		SenderCertificate:             payload(40),
		ReceiverCertificateThumbprint: payload(20),
	}
	raw := h.Encode()
	decoded, n, err := decodeAsymmetricSecurityHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, h, decoded)

	huge := make([]byte, 8)
	binary.LittleEndian.PutUint32(huge, 1<<30)
	_, _, err = decodeAsymmetricSecurityHeader(huge)
	assert.Error(t, err)
}
