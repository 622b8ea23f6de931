package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/snarg/sitevoice/internal/failure"
)

// Trade is the role a task is assigned to.
type Trade string

const (
	TradeGeneralContractor Trade = "general_contractor"
	TradeCarpenter         Trade = "carpenter"
	TradeElectrician       Trade = "electrician"
	TradePlumber           Trade = "plumber"
	TradePainter           Trade = "painter"
	TradeTiler             Trade = "tiler"
	TradeMason             Trade = "mason"
	TradeRoofer            Trade = "roofer"
	TradeHVACTechnician    Trade = "hvac_technician"
	TradeLandscaper        Trade = "landscaper"
)

// Trades lists every accepted assignee in prompt order.
var Trades = []Trade{
	TradeGeneralContractor,
	TradeCarpenter,
	TradeElectrician,
	TradePlumber,
	TradePainter,
	TradeTiler,
	TradeMason,
	TradeRoofer,
	TradeHVACTechnician,
	TradeLandscaper,
}

// Valid reports whether t is one of Trades.
func (t Trade) Valid() bool {
	for _, v := range Trades {
		if v == t {
			return true
		}
	}
	return false
}

type Task struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Assignee    Trade  `json:"assignee"`
}

type Material struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

type Offer struct {
	Title        string  `json:"title"`
	Summary      string  `json:"summary"`
	ProgressPlan string  `json:"progress_plan"`
	TotalPrice   float64 `json:"total_price"`
}

// Result is a validated analysis of one transcript.
type Result struct {
	Tasks     []Task     `json:"tasks"`
	Materials []Material `json:"materials"`
	Offer     Offer      `json:"offer"`
}

// Wire shapes keep numbers raw so a quoted or missing price is reported
// instead of decoded as zero.
type rawMaterial struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      json.RawMessage `json:"amount"`
}

type rawOffer struct {
	Title        string          `json:"title"`
	Summary      string          `json:"summary"`
	ProgressPlan string          `json:"progress_plan"`
	TotalPrice   json.RawMessage `json:"total_price"`
}

type rawResult struct {
	Tasks     *[]Task        `json:"tasks"`
	Materials *[]rawMaterial `json:"materials"`
	Offer     *rawOffer      `json:"offer"`
}

// ParseResult decodes model output into a validated Result.
//
// Surrounding whitespace and one enclosing Markdown code fence are removed.
// What remains must be exactly one JSON object. Every failure is a
// *failure.ValidationError; nothing is guessed or defaulted.
func ParseResult(content string) (*Result, error) {
	body := stripFence(content)
	if body == "" {
		return nil, &failure.ValidationError{Problems: []string{"model returned no content"}}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var raw rawResult
	if err := dec.Decode(&raw); err != nil {
		return nil, &failure.ValidationError{Problems: []string{"output is not a JSON object"}, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &failure.ValidationError{Problems: []string{"unexpected data after JSON object"}}
	}

	var problems []string
	res := &Result{}

	if raw.Tasks == nil {
		problems = append(problems, "tasks: missing")
	} else {
		res.Tasks = *raw.Tasks
	}

	if raw.Materials == nil {
		problems = append(problems, "materials: missing")
	} else {
		res.Materials = make([]Material, 0, len(*raw.Materials))
		for i, m := range *raw.Materials {
			amount, ok := number(m.Amount)
			if !ok {
				problems = append(problems, fmt.Sprintf("materials[%d].amount: must be a number", i))
			}
			res.Materials = append(res.Materials, Material{Title: m.Title, Description: m.Description, Amount: amount})
		}
	}

	if raw.Offer == nil {
		problems = append(problems, "offer: missing")
	} else {
		price, ok := number(raw.Offer.TotalPrice)
		if !ok {
			problems = append(problems, "offer.total_price: must be a number")
		}
		res.Offer = Offer{
			Title:        raw.Offer.Title,
			Summary:      raw.Offer.Summary,
			ProgressPlan: raw.Offer.ProgressPlan,
			TotalPrice:   price,
		}
	}

	if len(problems) > 0 {
		return nil, &failure.ValidationError{Problems: problems}
	}
	if err := Validate(res); err != nil {
		return nil, err
	}
	return res, nil
}

// Validate checks value ranges and enumerations of a decoded Result.
func Validate(r *Result) error {
	var problems []string
	if r.Tasks == nil {
		problems = append(problems, "tasks: missing")
	}
	if r.Materials == nil {
		problems = append(problems, "materials: missing")
	}
	for i, t := range r.Tasks {
		if strings.TrimSpace(t.Title) == "" {
			problems = append(problems, fmt.Sprintf("tasks[%d].title: empty", i))
		}
		if !t.Assignee.Valid() {
			problems = append(problems, fmt.Sprintf("tasks[%d].assignee: unknown trade %q", i, t.Assignee))
		}
	}
	for i, m := range r.Materials {
		if strings.TrimSpace(m.Title) == "" {
			problems = append(problems, fmt.Sprintf("materials[%d].title: empty", i))
		}
		if !(m.Amount > 0) || math.IsInf(m.Amount, 0) {
			problems = append(problems, fmt.Sprintf("materials[%d].amount: must be a finite number greater than zero, got %g", i, m.Amount))
		}
	}
	if strings.TrimSpace(r.Offer.Title) == "" {
		problems = append(problems, "offer.title: empty")
	}
	if p := r.Offer.TotalPrice; !(p >= minPrice && p < maxPrice) {
		problems = append(problems, fmt.Sprintf("offer.total_price: must be at least %g and below %g, got %g", minPrice, maxPrice, p))
	}
	if len(problems) > 0 {
		return &failure.ValidationError{Problems: problems}
	}
	return nil
}

// Prices are stored as numeric(12,2): one cent up to ten digits before the
// decimal point.
const (
	minPrice = 0.01
	maxPrice = 1e10
)

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := s[3 : len(s)-3]
	// Drop the info string (```json).
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		inner = inner[nl+1:]
	} else {
		return s
	}
	return strings.TrimSpace(inner)
}

// number accepts only a bare JSON number.
func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}
