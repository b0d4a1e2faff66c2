package tts

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"

	"github.com/mattiacorvi/overvox/internal/voices"
)

// neuralVoices is the Polly voice subset with neural engine support; the
// rest synthesize on the standard engine.
var neuralVoices = map[string]bool{
	"Amy": true, "Aria": true, "Brian": true, "Emma": true, "Ivy": true,
	"Joanna": true, "Joey": true, "Justin": true, "Kendra": true,
	"Kevin": true, "Kimberly": true, "Matthew": true, "Olivia": true,
	"Ruth": true, "Salli": true, "Stephen": true,
}

type PollyConfig struct {
	AccessKey string
	SecretKey string
	Region    string
	AudioDir  string
}

// pollyAPI is the SDK surface we use, split out so tests can stub it.
type pollyAPI interface {
	SynthesizeSpeech(ctx context.Context, in *polly.SynthesizeSpeechInput, opts ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
	DescribeVoices(ctx context.Context, in *polly.DescribeVoicesInput, opts ...func(*polly.Options)) (*polly.DescribeVoicesOutput, error)
}

type PollyProvider struct {
	cfg    PollyConfig
	client pollyAPI
	cache  voiceCache
}

func NewPollyProvider(cfg PollyConfig) *PollyProvider {
	client := polly.New(polly.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(
			awscreds.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	})
	return &PollyProvider{cfg: cfg, client: client}
}

func (p *PollyProvider) Name() string { return voices.ProviderPolly }

func (p *PollyProvider) Synthesize(ctx context.Context, job Job) (string, error) {
	voiceRef := strings.TrimSpace(job.Voice.ProviderVoiceRef)
	if voiceRef == "" {
		return "", fmt.Errorf("polly voice ref missing: %w", ErrInvalidVoice)
	}
	engine := pollytypes.EngineStandard
	if neuralVoices[voiceRef] {
		engine = pollytypes.EngineNeural
	}
	format := pollytypes.OutputFormatMp3
	if job.Format == "wav" {
		// Polly offers no WAV container; raw PCM is the closest match
		// and the overlay player accepts it.
		format = pollytypes.OutputFormatPcm
	}

	out, err := p.client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Text:         aws.String(job.Text),
		VoiceId:      pollytypes.VoiceId(voiceRef),
		OutputFormat: format,
		Engine:       engine,
	})
	if err != nil {
		return "", fmt.Errorf("polly synthesize: %w", err)
	}
	defer out.AudioStream.Close()
	data, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return "", fmt.Errorf("polly audio read: %w", err)
	}
	if len(data) < minAudioBytes {
		return "", fmt.Errorf("polly audio too small (%d bytes): %w", len(data), ErrNoAudio)
	}
	return writeAudioFile(p.cfg.AudioDir, job.Format, data)
}

func (p *PollyProvider) ListVoices(ctx context.Context, useCache bool) ([]VoiceInfo, error) {
	hash := hashCreds(p.cfg.AccessKey, p.cfg.SecretKey)
	if useCache {
		if list, ok := p.cache.cached(hash); ok {
			return list, nil
		}
	}

	var list []VoiceInfo
	var next *string
	for {
		out, err := p.client.DescribeVoices(ctx, &polly.DescribeVoicesInput{NextToken: next})
		if err != nil {
			return nil, fmt.Errorf("polly voices: %w", err)
		}
		for _, v := range out.Voices {
			list = append(list, VoiceInfo{
				Ref:      string(v.Id),
				Name:     aws.ToString(v.Name),
				Language: string(v.LanguageCode),
			})
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	p.cache.store(hash, list)
	return list, nil
}
