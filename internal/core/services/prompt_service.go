package services

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/gongysh2004/cogview4-server/internal/core/ports"
)

// optimizeSystemPrompt teaches the rewrite model to expand terse prompts
// into detailed bilingual image descriptions.
const optimizeSystemPrompt = `You are a bilingual image description assistant that works with an image generation bot. You work with an assistant bot that will draw anything you say.
For example, outputting "a beautiful morning in the woods with the sun peaking through the trees" or "阳光透过树林的美丽清晨" will trigger your partner bot to output an image of a forest morning, as described.
You will be prompted by people looking to create detailed, amazing images. The way to accomplish this is to take their short prompts and make them extremely detailed and descriptive.
There are a few rules to follow:
- Input can be in Chinese or English. If input is in English, prompt should be written in English. If input is in Chinese, prompt should be written in Chinese.
- You will only ever output a single image description per user request.
- Image descriptions must be detailed and specific, including keyword categories such as subject, medium, style, additional details, color, and lighting.
- When generating descriptions, focus on portraying the visual elements rather than delving into abstract psychological and emotional aspects. Provide clear and concise details that vividly depict the scene and its composition, capturing the tangible elements that make up the setting.
- Do not provide the process and explanation, just return the modified description.`

const translateSystemPrompt = `你是一个翻译助手。请把用户的文本翻译成中文或英文。`

// optimizeFewShot anchors the expected register with worked examples.
var optimizeFewShot = []ports.ChatMessage{
	{Role: "user", Content: `Create an imaginative image descriptive caption for the user input : "An anime girl stands amidst a dense flower bush."`},
	{Role: "assistant", Content: `This image is a beautifully crafted digital illustration in an anime style. It features a young woman standing gracefully amidst a picturesque meadow with lush green grass and scattered wildflowers that gently sway in the breeze. Her attire includes a detailed outfit with layered ruffles and intricate fastenings, reflecting both elegance and functionality. She holds a small bouquet of flowers delicately in her hands, adding to the serene atmosphere. The background showcases rolling hills covered in dense foliage under a brilliant blue sky dotted with fluffy white clouds. Golden leaves float whimsically through the air, enhancing the magical quality of the scene. Overall, this artwork captures a moment of tranquility and charm.`},
	{Role: "user", Content: `Create an imaginative image descriptive caption for the user input : "Draw a bright convertible car with a sense of artistic design."`},
	{Role: "assistant", Content: `The image showcases a meticulously crafted roadster from the late 1930s in a highly polished and realistic rendering style that highlights its luxurious design and impeccable details. The car's body is an elegant deep brown with a glossy finish, exuding sophistication and timeless beauty. Its aerodynamic, streamlined shape features smooth curves accentuated by chrome detailing on the fenders and running boards. The front grille has three prominent circular headlights, adding to its classic charm while the dual exhaust pipes are tastefully integrated into the rear fenders. The open cockpit area reveals sumptuous tan leather seats, emphasizing both comfort and elegance. Photographed against a dark gradient background, the focus remains solely on this automotive masterpiece.`},
	{Role: "user", Content: `Create an imaginative image descriptive caption for the user input : "画一个白发、神情忧郁的动漫女孩，手里拿着一支香烟"`},
	{Role: "assistant", Content: `这幅图像是一幅动漫风格的插画，画中描绘了一位长发飘逸的白发女孩。她神情忧郁，双眼低垂，脸上带着微微的愁容。女孩穿着浅色外套，里面搭配深色衬衫和领带，增添了她沉静却时尚的外表。她的手靠近嘴边，似乎在拿着一支香烟。背景描绘了一个冬季的城市场景，地面和建筑物上覆盖着积雪，街边停着一辆车，空荡荡的街道增强了场景的荒凉氛围。这幅作品整体风格细致精美，既捕捉了角色的情感表达，也呈现了周围环境的静谧氛围。`},
	{Role: "user", Content: `Create an imaginative image descriptive caption for the user input : "一张红色的海报，中间写有"开门大吉""`},
	{Role: "assistant", Content: `这张图片采用了海报风格，色彩鲜艳，主要以红色和金色为主，寓意吉祥如意。在画面的正中间是一块红色的大匾，上面用白色大字写着"开门大吉"，四角点缀着金色的装饰图案，显得格外喜庆。匾额上方悬挂着一对红色的灯笼，增添了节日的气氛。背景左右两侧是传统的绿色中式建筑，屋顶呈现出典型的飞檐翘角设计。底部有祥云朵朵和可爱的卡通福袋，象征着好运福气满满。整张海报传达出浓厚的节日氛围。`},
}

const (
	// DefaultRetryTimes bounds how often a rewrite is attempted before the
	// original prompt is returned unchanged.
	DefaultRetryTimes = 5
	MaxRetryTimes     = 10
)

var whitespaceRuns = regexp.MustCompile(`\s{2,}`)

// PromptService wraps the external rewrite LLM behind a contract that never
// fails hard: callers always get a usable prompt back.
type PromptService struct {
	logger *slog.Logger
	client ports.ChatClient
}

func NewPromptService(logger *slog.Logger, client ports.ChatClient) *PromptService {
	return &PromptService{logger: logger, client: client}
}

// Optimize expands a terse prompt into a detailed description. On any
// failure the original prompt and the error are returned.
func (s *PromptService) Optimize(ctx context.Context, prompt string, retryTimes int) (string, error) {
	cleaned := cleanString(prompt)
	messages := make([]ports.ChatMessage, 0, len(optimizeFewShot)+2)
	messages = append(messages, ports.ChatMessage{Role: "system", Content: optimizeSystemPrompt})
	messages = append(messages, optimizeFewShot...)
	messages = append(messages, ports.ChatMessage{
		Role:    "user",
		Content: fmt.Sprintf("Create an imaginative image descriptive caption for the user input : %s", cleaned),
	})

	return s.rewrite(ctx, "optimize", cleaned, messages, retryTimes)
}

// Translate converts a prompt between Chinese and English. Same failure
// contract as Optimize.
func (s *PromptService) Translate(ctx context.Context, prompt string, retryTimes int) (string, error) {
	cleaned := cleanString(prompt)
	messages := []ports.ChatMessage{
		{Role: "system", Content: translateSystemPrompt},
		{Role: "user", Content: cleaned},
	}
	return s.rewrite(ctx, "translate", cleaned, messages, retryTimes)
}

func (s *PromptService) rewrite(ctx context.Context, op, original string, messages []ports.ChatMessage, retryTimes int) (string, error) {
	retries := clampRetries(retryTimes)

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		result, err := s.client.Complete(ctx, messages)
		if err != nil {
			lastErr = err
			s.logger.Warn("prompt rewrite attempt failed", "op", op, "attempt", attempt, "error", err)
			continue
		}
		if cleaned := cleanString(result); cleaned != "" {
			return cleaned, nil
		}
		lastErr = fmt.Errorf("empty rewrite result")
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("prompt %s produced no result", op)
	}
	return original, lastErr
}

func clampRetries(n int) int {
	if n < 1 {
		return DefaultRetryTimes
	}
	if n > MaxRetryTimes {
		return MaxRetryTimes
	}
	return n
}

// cleanString normalizes rewrite inputs and outputs: newlines become spaces,
// surrounding whitespace is trimmed, runs collapse to one space.
func cleanString(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	return whitespaceRuns.ReplaceAllString(s, " ")
}
