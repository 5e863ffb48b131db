package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"golang.org/x/image/tiff"

	"invoice-collector-go/internal/config"
	"invoice-collector-go/internal/errs"
)

const (
	anthropicVersion = "2023-06-01"
	maxTokens        = 512
	maxTextChars     = 3000
	maxSheetRows     = 100
	maxSupplierChars = 80
	maxCurrencyChars = 8
)

const systemPrompt = "You are an accounting assistant. Decide whether the document is an invoice, " +
	"a credit note or a receipt, meaning a commercial document issued by a supplier that states an " +
	"amount due or paid. Contracts, mandates, statements of work, marketing material and photos are not invoices. " +
	"When it is one, also read the issue date, the supplier (the issuer, never the customer), the amount before tax, " +
	"the tax amount, the total including tax and the ISO currency code. Amounts are negative on credit notes. " +
	"Use null for anything not printed on the document. " +
	`Reply with JSON only, no surrounding text: {"is_invoice": true|false, "confidence": 0.0-1.0, "reason": "...", ` +
	`"invoice_date": "YYYY-MM-DD"|null, "supplier": "..."|null, "net_amount": number|null, "tax_amount": number|null, ` +
	`"total_amount": number|null, "currency": "EUR"|null}`

// AnthropicClassifier classifies attachments with the Anthropic Messages API.
type AnthropicClassifier struct {
	apiKey    string
	model     string
	baseURL   string
	threshold float64
	client    *http.Client
	// suppliers maps a lower-cased sender address or domain to the supplier name.
	suppliers map[string]string
	owners    []string
}

// NewAnthropicClassifier creates the classifier. A missing API key is a fatal configuration error.
func NewAnthropicClassifier(cfg config.ClassifierConfig) (*AnthropicClassifier, error) {
	if cfg.APIKey == "" {
		return nil, errs.FatalConfig("classifier api key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	suppliers := make(map[string]string, len(cfg.SenderSuppliers))
	for _, h := range cfg.SenderSuppliers {
		suppliers[strings.ToLower(strings.TrimSpace(h.Sender))] = strings.TrimSpace(h.Supplier)
	}
	var owners []string
	for _, name := range cfg.OwnerNames {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			owners = append(owners, name)
		}
	}
	return &AnthropicClassifier{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		threshold: cfg.ConfidenceThreshold,
		client:    &http.Client{Timeout: timeout},
		suppliers: suppliers,
		owners:    owners,
	}, nil
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *blockSource `json:"source,omitempty"`
}

type blockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messageParam struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type messagesRequest struct {
	Model     string         `json:"model"`
	MaxTokens int            `json:"max_tokens"`
	System    string         `json:"system"`
	Messages  []messageParam `json:"messages"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
}

type modelAnswer struct {
	IsInvoice   *bool           `json:"is_invoice"`
	Confidence  *float64        `json:"confidence"`
	Reason      string          `json:"reason"`
	InvoiceDate *string         `json:"invoice_date"`
	Supplier    *string         `json:"supplier"`
	NetAmount   json.RawMessage `json:"net_amount"`
	TaxAmount   json.RawMessage `json:"tax_amount"`
	TotalAmount json.RawMessage `json:"total_amount"`
	Currency    *string         `json:"currency"`
}

// Classify sends the attachment to the model. Unsupported or unreadable
// content is ambiguous without a model call.
func (c *AnthropicClassifier) Classify(ctx context.Context, in Input) (Result, error) {
	log := logrus.WithFields(logrus.Fields{"filename": in.Filename, "size": len(in.Data)})

	hint := c.supplierHint(in.Sender)
	blocks, reason := c.contentBlocks(in, hint)
	if blocks == nil {
		log.WithField("reason", reason).Info("Attachment not sent to classifier")
		return Result{Verdict: Ambiguous, Rationale: reason}, nil
	}

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages:  []messageParam{{Role: "user", Content: blocks}},
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, errs.Transient("classifier.request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, errs.Transient("classifier.read", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, truncate(string(respBody), 300))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return Result{}, errs.Transient("classifier.status", apiErr)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusNotFound:
			// Rejected key, or an unknown model or base URL.
			return Result{}, errs.Fatal("classifier.status", apiErr)
		}
		return Result{}, apiErr
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, errors.Wrap(err, "failed to unmarshal response")
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result := c.parseAnswer(text.String())
	if result.Verdict == Invoice && result.Extracted.Supplier == "" {
		result.Extracted.Supplier = hint
	}
	log.WithFields(logrus.Fields{
		"verdict":    result.Verdict,
		"confidence": result.Confidence,
		"supplier":   result.Extracted.Supplier,
	}).Info("Classification result")
	return result, nil
}

func (c *AnthropicClassifier) contentBlocks(in Input, hint string) ([]contentBlock, string) {
	question := fmt.Sprintf("File name: %s\nSender: %s\nSubject: %s\n", in.Filename, in.Sender, in.Subject)
	if hint != "" {
		question += fmt.Sprintf("The document probably comes from the supplier %q; confirm or correct it.\n", hint)
	}
	if len(c.owners) > 0 {
		question += fmt.Sprintf("These names are the customer, never the supplier: %s.\n", strings.Join(c.owners, ", "))
	}
	question += "Is this document an invoice, a credit note or a receipt?"

	switch media := MediaType(in.Filename, in.ContentType); media {
	case MediaPDF:
		return []contentBlock{
			{Type: "document", Source: base64Source(media, in.Data)},
			{Type: "text", Text: question},
		}, ""
	case MediaJPEG, MediaPNG:
		return []contentBlock{
			{Type: "image", Source: base64Source(media, in.Data)},
			{Type: "text", Text: question},
		}, ""
	case MediaTIFF:
		// The API takes no TIFF, so the first page is re-encoded as PNG.
		converted, err := tiffToPNG(in.Data)
		if err != nil {
			return nil, "tiff could not be decoded: " + err.Error()
		}
		return []contentBlock{
			{Type: "image", Source: base64Source(MediaPNG, converted)},
			{Type: "text", Text: question},
		}, ""
	case MediaXLSX:
		text, err := SpreadsheetText(in.Data)
		if err != nil {
			return nil, "spreadsheet could not be read: " + err.Error()
		}
		if strings.TrimSpace(text) == "" {
			return nil, "no text extracted"
		}
		return []contentBlock{{Type: "text", Text: question + "\n\nDocument content:\n" + text}}, ""
	default:
		return nil, "unsupported content type " + media
	}
}

func base64Source(media string, data []byte) *blockSource {
	return &blockSource{Type: "base64", MediaType: media, Data: base64.StdEncoding.EncodeToString(data)}
}

func tiffToPNG(data []byte) ([]byte, error) {
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// supplierHint returns the configured supplier for the sender address, or
// for its domain.
func (c *AnthropicClassifier) supplierHint(sender string) string {
	if len(c.suppliers) == 0 {
		return ""
	}
	addr := strings.ToLower(strings.TrimSpace(sender))
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = strings.ToLower(parsed.Address)
	}
	if name, ok := c.suppliers[addr]; ok {
		return name
	}
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		domain := addr[at+1:]
		if name, ok := c.suppliers[domain]; ok {
			return name
		}
		if name, ok := c.suppliers["@"+domain]; ok {
			return name
		}
	}
	return ""
}

// parseAnswer reads the model JSON. Anything unparsable is ambiguous.
func (c *AnthropicClassifier) parseAnswer(raw string) Result {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)
	if start, end := strings.Index(clean, "{"), strings.LastIndex(clean, "}"); start >= 0 && end > start {
		clean = clean[start : end+1]
	}

	var answer modelAnswer
	if err := json.Unmarshal([]byte(clean), &answer); err != nil || answer.IsInvoice == nil {
		logrus.WithField("response", truncate(raw, 300)).Warn("Failed to parse classifier response")
		return Result{Verdict: Ambiguous, Rationale: "unparsable classifier response"}
	}

	confidence := 0.5
	if answer.Confidence != nil {
		confidence = *answer.Confidence
	}
	return Result{
		Verdict:    Decide(*answer.IsInvoice, confidence, c.threshold),
		Confidence: confidence,
		Rationale:  answer.Reason,
		Extracted:  c.extraction(answer),
	}
}

// extraction keeps only the fields that validate. A bad field is dropped on
// its own and never costs the verdict.
func (c *AnthropicClassifier) extraction(a modelAnswer) Extraction {
	var ex Extraction
	if a.InvoiceDate != nil {
		if d, err := time.Parse("2006-01-02", strings.TrimSpace(*a.InvoiceDate)); err == nil {
			ex.InvoiceDate = &d
		}
	}
	if a.Supplier != nil {
		ex.Supplier = c.cleanSupplier(*a.Supplier)
	}
	ex.NetAmount = parseAmount(a.NetAmount)
	ex.TaxAmount = parseAmount(a.TaxAmount)
	ex.TotalAmount = parseAmount(a.TotalAmount)
	if a.Currency != nil {
		cur := strings.ToUpper(strings.TrimSpace(*a.Currency))
		if cur != "" && len(cur) <= maxCurrencyChars {
			ex.Currency = cur
		}
	}
	return ex
}

func (c *AnthropicClassifier) cleanSupplier(name string) string {
	name = strings.TrimSpace(name)
	switch strings.ToLower(name) {
	case "", "null", "none", "n/a", "unknown":
		return ""
	}
	lower := strings.ToLower(name)
	for _, owner := range c.owners {
		if strings.Contains(lower, owner) {
			return ""
		}
	}
	if utf8.RuneCountInString(name) > maxSupplierChars {
		name = string([]rune(name)[:maxSupplierChars])
	}
	return name
}

// parseAmount accepts a JSON number or a numeric string such as "1 200,50".
func parseAmount(raw json.RawMessage) *float64 {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		text = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "").Replace(s)
		if strings.Contains(text, ",") && strings.Contains(text, ".") {
			text = strings.ReplaceAll(text, ",", "")
		} else {
			text = strings.ReplaceAll(text, ",", ".")
		}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// SpreadsheetText returns the cell text of the first sheet, one line per row,
// limited to the first rows and characters the classifier needs.
func SpreadsheetText(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return "", err
	}

	var lines []string
	for i, row := range rows {
		if i >= maxSheetRows {
			break
		}
		var cells []string
		for _, cell := range row {
			if cell = strings.TrimSpace(cell); cell != "" {
				cells = append(cells, cell)
			}
		}
		if len(cells) > 0 {
			lines = append(lines, strings.Join(cells, " "))
		}
	}
	return truncate(strings.Join(lines, "\n"), maxTextChars), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
