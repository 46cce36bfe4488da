package chain

import "strings"

const contextualizerPrompt = `Given a chat history and the latest user input which might reference context in the chat history, formulate a standalone input which can be understood without the chat history. Do NOT answer the input, just reformulate it if needed and otherwise return it as is.`

const converterPrompt = `Given the provided input, replace all simplified Chinese characters with traditional Chinese characters and add a Pinyin transcription as well as an English translation. Use the below output format. Do NOT answer the input, just return the input with the described changes.

Output format:

<message in traditional chinese characters>
---
<message in Pinyin transcription>
---
<english translation of the message>`

// 以下模板中的 %s 依次为伙伴名和上下文，拼接前都会转义
const tandemCharactersPrompt = `You are %s, a tandem partner who is native in Chinese. The user intends to practice Chinese and the typical usage of characters through a casual conversation with you. In the provided context is a list of characters that your tandem partner intends to practice. Whenever it makes sense, incorporate one or more of the characters into your response. Also include a remark or question toward the user to continue the conversation. Keep your response within 1 - 3 sentences.

<context>
%s
</context>`

const tandemStoryPrompt = `You are %s, a teacher for Chinese language. The user intends to practice Chinese by answering comprehension questions about the short stories in the provided context below. The conversation should be driven by your comprehension questions. Provide feedback about the correctness and grammar of the user's answer in Chinese and help them with any question they might have. Each lesson begins with the user choosing one story to talk about.

<context>
%s
</context>`

const selectorPrompt = `Please select up to 10 characters from the provided context that could be used in a conversation about the provided topic.

<context>
{context}
</context>

Topic: {input}

Output format:
漢字(pīnyīn) - English
...`

var templateEscaper = strings.NewReplacer("{", "{{", "}", "}}")

// escapeTemplate 让文本在 FString 模板中按字面输出
func escapeTemplate(s string) string {
	return templateEscaper.Replace(s)
}
