// Package qti parses and structurally validates QTI 3.0 assessment items.
// It checks the shape the pipeline depends on (identifiers, interaction,
// choices, answer key); full XSD validation stays with the external schema
// validator.
package qti

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

type Choice struct {
	Identifier string
	Text       string
}

// Item is the semantic content of one assessment item.
type Item struct {
	Identifier      string
	Title           string
	Prompt          string
	Choices         []Choice
	CorrectResponse []string // choice identifiers
}

type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Issue codes reported by ValidateItem.
const (
	IssueMalformedXML            = "malformed_xml"
	IssueMissingIdentifier       = "missing_identifier"
	IssueMissingPrompt           = "missing_prompt"
	IssueTooFewChoices           = "too_few_choices"
	IssueMissingCorrectResponse  = "missing_correct_response"
	IssueMissingChoiceIdentifier = "missing_choice_identifier"
	IssueDuplicateChoiceID       = "duplicate_choice_identifier"
	IssueDanglingCorrectResponse = "dangling_correct_response"
)

type xmlAssessmentItem struct {
	XMLName             xml.Name               `xml:"qti-assessment-item"`
	Identifier          string                 `xml:"identifier,attr"`
	Title               string                 `xml:"title,attr"`
	ResponseDeclaration xmlResponseDeclaration `xml:"qti-response-declaration"`
	ItemBody            xmlItemBody            `xml:"qti-item-body"`
}

type xmlResponseDeclaration struct {
	Identifier      string             `xml:"identifier,attr"`
	Cardinality     string             `xml:"cardinality,attr"`
	CorrectResponse xmlCorrectResponse `xml:"qti-correct-response"`
}

type xmlCorrectResponse struct {
	Values []string `xml:"qti-value"`
}

type xmlItemBody struct {
	Paragraphs  []string             `xml:"p"`
	Interaction xmlChoiceInteraction `xml:"qti-choice-interaction"`
}

type xmlChoiceInteraction struct {
	ResponseIdentifier string            `xml:"response-identifier,attr"`
	Prompt             string            `xml:"qti-prompt"`
	Choices            []xmlSimpleChoice `xml:"qti-simple-choice"`
}

type xmlSimpleChoice struct {
	Identifier string `xml:"identifier,attr"`
	Text       string `xml:",chardata"`
}

// ParseItem decodes a QTI 3.0 choice item.
func ParseItem(raw []byte) (*Item, error) {
	var doc xmlAssessmentItem
	dec := xml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode qti item: %w", err)
	}
	item := &Item{
		Identifier: strings.TrimSpace(doc.Identifier),
		Title:      strings.TrimSpace(doc.Title),
		Prompt:     strings.TrimSpace(doc.ItemBody.Interaction.Prompt),
	}
	if item.Prompt == "" && len(doc.ItemBody.Paragraphs) > 0 {
		item.Prompt = strings.TrimSpace(strings.Join(doc.ItemBody.Paragraphs, " "))
	}
	for _, c := range doc.ItemBody.Interaction.Choices {
		item.Choices = append(item.Choices, Choice{
			Identifier: strings.TrimSpace(c.Identifier),
			Text:       strings.TrimSpace(c.Text),
		})
	}
	for _, v := range doc.ResponseDeclaration.CorrectResponse.Values {
		v = strings.TrimSpace(v)
		if v != "" {
			item.CorrectResponse = append(item.CorrectResponse, v)
		}
	}
	return item, nil
}

// ValidateItem runs the structural checks the pipeline requires before an
// item may pass the validate stage. An empty slice means pass.
func ValidateItem(raw []byte) []Issue {
	item, err := ParseItem(raw)
	if err != nil {
		return []Issue{{Code: IssueMalformedXML, Message: err.Error()}}
	}

	var issues []Issue
	if item.Identifier == "" {
		issues = append(issues, Issue{Code: IssueMissingIdentifier, Message: "qti-assessment-item requires an identifier attribute"})
	}
	if item.Prompt == "" {
		issues = append(issues, Issue{Code: IssueMissingPrompt, Message: "item has no prompt text"})
	}
	if len(item.Choices) < 2 {
		issues = append(issues, Issue{Code: IssueTooFewChoices, Message: fmt.Sprintf("choice interaction has %d choices, need at least 2", len(item.Choices))})
	}
	if len(item.CorrectResponse) == 0 {
		issues = append(issues, Issue{Code: IssueMissingCorrectResponse, Message: "no qti-correct-response values declared"})
	}

	known := map[string]bool{}
	for _, c := range item.Choices {
		if c.Identifier == "" {
			issues = append(issues, Issue{Code: IssueMissingChoiceIdentifier, Message: "qti-simple-choice requires an identifier attribute"})
			continue
		}
		if known[c.Identifier] {
			issues = append(issues, Issue{Code: IssueDuplicateChoiceID, Message: fmt.Sprintf("choice identifier %q appears more than once", c.Identifier)})
		}
		known[c.Identifier] = true
	}
	for _, v := range item.CorrectResponse {
		if !known[v] {
			issues = append(issues, Issue{Code: IssueDanglingCorrectResponse, Message: fmt.Sprintf("correct response %q names no declared choice", v)})
		}
	}
	return issues
}
