package model

// History shaping applied before every provider call: input normalization,
// reasoning-history policy, per-tool model-input transforms, image reflow
// out of tool results, and same-role collapsing.

// normalizeInput prepends the configured system message (if any). Callers
// that start from a bare string wrap it with UserMessage first.
func normalizeInput(messages []ChatMessage, cfg GenerateConfig) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages)+1)
	if cfg.SystemMessage != "" {
		out = append(out, SystemMessage(cfg.SystemMessage))
	}
	return append(out, messages...)
}

// applyReasoningHistory strips or keeps reasoning content parts on
// assistant messages per policy: all keeps everything, last keeps reasoning
// only on the most recent assistant message, none strips it everywhere.
// Only reasoning content is elided; surrounding structure is untouched.
func applyReasoningHistory(messages []ChatMessage, policy ReasoningHistory) []ChatMessage {
	if policy == ReasoningHistoryAll || policy == "" {
		return messages
	}

	lastAssistant := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			lastAssistant = i
			break
		}
	}

	out := make([]ChatMessage, len(messages))
	for i, m := range messages {
		if m.Role != RoleAssistant {
			out[i] = m
			continue
		}
		keep := policy == ReasoningHistoryLast && i == lastAssistant
		if keep {
			out[i] = m
			continue
		}
		out[i] = stripReasoning(m)
	}
	return out
}

func stripReasoning(m ChatMessage) ChatMessage {
	var kept []Content
	for _, c := range m.Content {
		if c.Type != ContentReasoning {
			kept = append(kept, c)
		}
	}
	m.Content = kept
	return m
}

// applyToolInputs runs each tool's model-input transformer over the
// historical tool-result messages belonging to that tool.
func applyToolInputs(messages []ChatMessage, inputs map[string]ToolModelInput) []ChatMessage {
	if len(inputs) == 0 {
		return messages
	}
	for name, fn := range inputs {
		if fn == nil {
			continue
		}
		// Collect this tool's messages, transform, and splice back in order.
		var idxs []int
		var toolMsgs []ChatMessage
		for i, m := range messages {
			if m.Role == RoleTool && m.Function == name {
				idxs = append(idxs, i)
				toolMsgs = append(toolMsgs, m)
			}
		}
		if len(toolMsgs) == 0 {
			continue
		}
		transformed := fn(toolMsgs)
		for j, i := range idxs {
			if j < len(transformed) {
				messages[i] = transformed[j]
			}
		}
	}
	return messages
}

// reflowToolImages splits images out of tool-result messages for providers
// that cannot carry them there: the tool message keeps a textual
// placeholder and a fabricated user message carries the images.
func reflowToolImages(messages []ChatMessage) []ChatMessage {
	var out []ChatMessage
	for _, m := range messages {
		if m.Role != RoleTool || !m.HasImages() {
			out = append(out, m)
			continue
		}

		var textParts, imageParts []Content
		for _, c := range m.Content {
			if c.Type == ContentImage {
				imageParts = append(imageParts, c)
			} else {
				textParts = append(textParts, c)
			}
		}

		toolMsg := m
		toolMsg.Content = append(textParts, TextContent("Image content included below."))
		out = append(out, toolMsg)

		carrier := NewMessage(RoleUser, "")
		carrier.Content = imageParts
		out = append(out, carrier)
	}
	return out
}

// collapseMessages merges consecutive messages of the given role by
// concatenating their content parts, for providers that reject
// alternating-violation histories.
func collapseMessages(messages []ChatMessage, role Role) []ChatMessage {
	var out []ChatMessage
	for _, m := range messages {
		if len(out) > 0 && m.Role == role && out[len(out)-1].Role == role {
			prev := &out[len(out)-1]
			prev.Content = append(prev.Content, m.Content...)
			prev.ToolCalls = append(prev.ToolCalls, m.ToolCalls...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// shapeHistory runs the full shaping pipeline for one provider call.
func shapeHistory(api API, messages []ChatMessage, cfg GenerateConfig, toolInputs map[string]ToolModelInput) []ChatMessage {
	msgs := normalizeInput(messages, cfg)
	msgs = applyReasoningHistory(msgs, reasoningHistory(api, cfg))
	msgs = applyToolInputs(msgs, toolInputs)
	if !toolResultImages(api) {
		msgs = reflowToolImages(msgs)
	}
	if mc, ok := api.(MessageCollapser); ok {
		if mc.CollapseUserMessages() {
			msgs = collapseMessages(msgs, RoleUser)
		}
		if mc.CollapseAssistantMessages() {
			msgs = collapseMessages(msgs, RoleAssistant)
		}
	}
	return msgs
}
