// Package i18n knows the languages the assistant can answer in and holds the few sentences the application itself
// says to the user.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Supported lists the response languages, the first one being the default.
var Supported = []language.Tag{
	language.English,
	language.Spanish,
	language.French,
	language.German,
	language.Portuguese,
}

var matcher = language.NewMatcher(Supported)

// Default is the language used when nothing else matches.
const Default = "en"

// Key identifies a localized sentence.
type Key string

const (
	ProviderUnavailable Key = "provider_unavailable"
	ToolLoopExceeded    Key = "tool_loop_exceeded"
	VoiceStopped        Key = "voice_stopped"
	MicrophoneDenied    Key = "microphone_denied"
	AudioPipelineFailed Key = "audio_pipeline_failed"
	ToolSucceeded       Key = "tool_succeeded"
	ToolFailed          Key = "tool_failed"
)

var texts = map[string]map[Key]string{
	"en": {
		ProviderUnavailable: "Sorry, I couldn't reach the assistant right now. Please try again in a moment.",
		ToolLoopExceeded:    "Sorry, I couldn't finish that request. Please try rephrasing it.",
		VoiceStopped:        "Voice mode stopped because of a connection problem. You can keep typing or start it again.",
		MicrophoneDenied:    "Microphone access was denied. Allow the microphone to use voice mode.",
		AudioPipelineFailed: "Voice mode stopped because the audio could not be processed.",
		ToolSucceeded:       "Done",
		ToolFailed:          "Not completed",
	},
	"es": {
		ProviderUnavailable: "Lo siento, no pude contactar al asistente en este momento. Inténtalo de nuevo en un momento.",
		ToolLoopExceeded:    "Lo siento, no pude completar esa solicitud. Intenta expresarla de otra forma.",
		VoiceStopped:        "El modo de voz se detuvo por un problema de conexión. Puedes seguir escribiendo o iniciarlo de nuevo.",
		MicrophoneDenied:    "Se denegó el acceso al micrófono. Permite el micrófono para usar el modo de voz.",
		AudioPipelineFailed: "El modo de voz se detuvo porque no se pudo procesar el audio.",
		ToolSucceeded:       "Hecho",
		ToolFailed:          "No completado",
	},
	"fr": {
		ProviderUnavailable: "Désolé, je n'ai pas pu joindre l'assistant pour le moment. Veuillez réessayer dans un instant.",
		ToolLoopExceeded:    "Désolé, je n'ai pas pu terminer cette demande. Essayez de la reformuler.",
		VoiceStopped:        "Le mode vocal s'est arrêté à cause d'un problème de connexion. Vous pouvez continuer à écrire ou le relancer.",
		MicrophoneDenied:    "L'accès au micro a été refusé. Autorisez le micro pour utiliser le mode vocal.",
		AudioPipelineFailed: "Le mode vocal s'est arrêté car l'audio n'a pas pu être traité.",
		ToolSucceeded:       "Terminé",
		ToolFailed:          "Non effectué",
	},
	"de": {
		ProviderUnavailable: "Der Assistent ist gerade nicht erreichbar. Bitte versuche es gleich noch einmal.",
		ToolLoopExceeded:    "Diese Anfrage konnte nicht abgeschlossen werden. Bitte formuliere sie anders.",
		VoiceStopped:        "Der Sprachmodus wurde wegen eines Verbindungsproblems beendet. Du kannst weiter tippen oder ihn neu starten.",
		MicrophoneDenied:    "Der Zugriff auf das Mikrofon wurde verweigert. Erlaube das Mikrofon, um den Sprachmodus zu nutzen.",
		AudioPipelineFailed: "Der Sprachmodus wurde beendet, weil das Audio nicht verarbeitet werden konnte.",
		ToolSucceeded:       "Erledigt",
		ToolFailed:          "Nicht ausgeführt",
	},
	"pt": {
		ProviderUnavailable: "Desculpe, não consegui falar com o assistente agora. Tente novamente em instantes.",
		ToolLoopExceeded:    "Desculpe, não consegui concluir esse pedido. Tente reformulá-lo.",
		VoiceStopped:        "O modo de voz parou por um problema de conexão. Você pode continuar digitando ou iniciá-lo novamente.",
		MicrophoneDenied:    "O acesso ao microfone foi negado. Permita o microfone para usar o modo de voz.",
		AudioPipelineFailed: "O modo de voz parou porque o áudio não pôde ser processado.",
		ToolSucceeded:       "Concluído",
		ToolFailed:          "Não concluído",
	},
}

// Normalize maps any language code or tag to one of the supported base languages.
func Normalize(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return Default
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return Default
	}
	base, _ := Supported[idx].Base()
	return base.String()
}

// Match picks the supported language that best fits an Accept-Language header.
func Match(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return Default
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return Default
	}
	base, _ := Supported[idx].Base()
	return base.String()
}

// Name returns the English name of the language followed by its own name, e.g. "Spanish (español)".
func Name(code string) string {
	tag := language.Make(Normalize(code))
	english := display.English.Tags().Name(tag)
	self := display.Self.Name(tag)
	if self == "" || self == english {
		return english
	}
	return english + " (" + self + ")"
}

// Codes returns the base codes of the supported languages, in the order of Supported.
func Codes() []string {
	codes := make([]string, 0, len(Supported))
	for _, tag := range Supported {
		base, _ := tag.Base()
		codes = append(codes, base.String())
	}
	return codes
}

// Text returns the sentence for key in lang, falling back to English.
func Text(lang string, key Key) string {
	if s, ok := texts[Normalize(lang)][key]; ok {
		return s
	}
	return texts[Default][key]
}
