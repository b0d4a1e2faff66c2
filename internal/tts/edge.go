package tts

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mattiacorvi/overvox/internal/voices"
)

const (
	edgeWSBaseURL     = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1"
	edgeVoiceListURL  = "https://speech.platform.bing.com/consumer/speech/synthesize/readaloud/voices/list"
	edgeTrustedToken  = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	edgeOutputFormat  = "audio-24khz-48kbitrate-mono-mp3"
	edgeAudioPathMark = "Path:audio"
	edgeTurnEndMark   = "Path:turn.end"
)

type EdgeConfig struct {
	AudioDir  string
	WSBaseURL string
	ListURL   string
}

// EdgeProvider synthesizes through the free Edge neural TTS websocket
// endpoint. It is the terminal fallback of the hybrid chain: no
// credentials, no pacing of our own.
type EdgeProvider struct {
	cfg    EdgeConfig
	client *http.Client
	dialer *websocket.Dialer
	cache  voiceCache
	log    *logrus.Entry
}

func NewEdgeProvider(cfg EdgeConfig) *EdgeProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = edgeWSBaseURL
	}
	if strings.TrimSpace(cfg.ListURL) == "" {
		cfg.ListURL = edgeVoiceListURL
	}
	return &EdgeProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: httpTimeout},
		dialer: websocket.DefaultDialer,
		log:    logrus.WithField("component", "tts_edge"),
	}
}

func (p *EdgeProvider) Name() string { return voices.ProviderEdge }

// DefaultVoiceRef is the known-good voice used when a configured Edge
// voice produces no audio.
func (p *EdgeProvider) DefaultVoiceRef() string { return defaultEdgeVoice }

func (p *EdgeProvider) Synthesize(ctx context.Context, job Job) (string, error) {
	voiceRef := strings.TrimSpace(job.Voice.ProviderVoiceRef)
	if voiceRef == "" {
		voiceRef = defaultEdgeVoice
	}

	data, err := p.synthOnce(ctx, voiceRef, job.Text)
	if errors.Is(err, ErrNoAudio) && voiceRef != defaultEdgeVoice {
		// Voices disappear from the endpoint without notice; retry once
		// with the known-good default before declaring the voice invalid.
		p.log.WithField("voice", voiceRef).Warn("no audio, retrying with default voice")
		data, err = p.synthOnce(ctx, defaultEdgeVoice, job.Text)
		if err != nil {
			return "", fmt.Errorf("edge voice %q: %w", job.Voice.ProviderVoiceRef, ErrInvalidVoice)
		}
	}
	if err != nil {
		return "", err
	}
	return writeAudioFile(p.cfg.AudioDir, job.Format, data)
}

func (p *EdgeProvider) synthOnce(ctx context.Context, voiceRef, text string) ([]byte, error) {
	u := p.cfg.WSBaseURL + "?TrustedClientToken=" + edgeTrustedToken + "&ConnectionId=" + connectionID()
	conn, _, err := p.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("edge dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, speechConfigMessage()); err != nil {
		return nil, fmt.Errorf("edge config write: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, ssmlMessage(voiceRef, text)); err != nil {
		return nil, fmt.Errorf("edge ssml write: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(httpTimeout)
	}
	_ = conn.SetReadDeadline(deadline)

	var audio []byte
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if len(audio) >= minAudioBytes {
				// Endpoint sometimes drops the socket right after the
				// final audio frame instead of sending turn.end.
				return audio, nil
			}
			return nil, fmt.Errorf("edge read: %w", err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			if chunk, ok := audioPayload(payload); ok {
				audio = append(audio, chunk...)
			}
		case websocket.TextMessage:
			if strings.Contains(string(payload), edgeTurnEndMark) {
				if len(audio) < minAudioBytes {
					return nil, ErrNoAudio
				}
				return audio, nil
			}
		}
	}
}

func (p *EdgeProvider) ListVoices(ctx context.Context, useCache bool) ([]VoiceInfo, error) {
	// No credentials on the free endpoint; the hash keys on the token so
	// the cache contract stays uniform across providers.
	hash := hashCreds(edgeTrustedToken)
	if useCache {
		if list, ok := p.cache.cached(hash); ok {
			return list, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.ListURL+"?trustedclienttoken="+edgeTrustedToken, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("edge voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("edge voices status %d", resp.StatusCode)
	}

	var payload []struct {
		ShortName    string `json:"ShortName"`
		FriendlyName string `json:"FriendlyName"`
		Locale       string `json:"Locale"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("edge voices decode: %w", err)
	}
	list := make([]VoiceInfo, 0, len(payload))
	for _, v := range payload {
		list = append(list, VoiceInfo{Ref: v.ShortName, Name: v.FriendlyName, Language: v.Locale})
	}
	p.cache.store(hash, list)
	return list, nil
}

// audioPayload splits a binary frame into its text header and audio
// body. The first two bytes carry the big-endian header length.
func audioPayload(frame []byte) ([]byte, bool) {
	if len(frame) < 2 {
		return nil, false
	}
	headerLen := int(binary.BigEndian.Uint16(frame[:2]))
	if len(frame) < 2+headerLen {
		return nil, false
	}
	header := string(frame[2 : 2+headerLen])
	if !strings.Contains(header, edgeAudioPathMark) {
		return nil, false
	}
	return frame[2+headerLen:], true
}

func speechConfigMessage() []byte {
	cfg := fmt.Sprintf(`{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":%q}}}}`, edgeOutputFormat)
	return []byte("Content-Type:application/json; charset=utf-8\r\nPath:speech.config\r\n\r\n" + cfg)
}

func ssmlMessage(voiceRef, text string) []byte {
	ssml := fmt.Sprintf(
		`<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'><voice name='%s'>%s</voice></speak>`,
		voiceRef, xmlEscape(text))
	head := "X-RequestId:" + connectionID() + "\r\nContent-Type:application/ssml+xml\r\nPath:ssml\r\n\r\n"
	return []byte(head + ssml)
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}

// connectionID is a UUID without dashes, the form the endpoint expects.
func connectionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
