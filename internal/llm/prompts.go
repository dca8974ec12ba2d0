package llm

// The three prompt forms are fixed strings; their literal text is part of
// the contract with the model.

const extractPrompt = `Extract the key intelligence elements from the following message.
The message may be in Arabic, Hebrew, or English — handle all three.
Normalize location names to their most common English or Arabic form.
Return ONLY valid JSON (no markdown fences, no extra text):
{
  "location": "specific place name or null",
  "region": "broader area (e.g. south lebanon, gaza, west bank, iran) or null",
  "event_type": "one of: strike, rocket, clash, arrest, movement, statement, casualty, other, irrelevant",
  "entities": ["named groups, people, or armed forces mentioned"],
  "keywords": ["2-3 key descriptive terms"],
  "is_urgent": true or false,
  "credibility_indicators": {
    "has_media_reference": true or false,
    "cites_named_source": true or false,
    "uses_vague_language": true or false,
    "is_forwarded_claim": true or false
  }
}
If the message is not about a security/military/political event, return: {"event_type":"irrelevant"}

Message:
`

const batchPrompt = `סכם בקצרה בעברית את הנקודות העיקריות מההודעות הבאות.
כתוב 2-3 שורות תמציתיות, בלי סגנון כתב חדשות.
אם מספר מקורות מדווחים על אותו אירוע, ציין זאת.
%s

ההודעות:
%s`

const trendPrompt = `סכם במדויק בשורה אחת בעברית את המידע העיקרי שדווח במספר ערוצים.
המטרה – דיווח תמציתי וברור, בלי סגנון כתב חדשות.
לאחר מכן החזר שורה שנייה שמתחילה ב-"> " ומכילה תרגום לעברית של ציטוט מייצג מתוך ההודעה.
אל תכתוב שום דבר מעבר לשתי השורות.

%s

הטקסט המקורי:
%s`
