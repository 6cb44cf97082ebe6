package ai

import (
	"fmt"
	"strings"

	"github.com/orcabot-dev/orcabot/internal/domain"
)

func categoriesBlock(tax *domain.Taxonomy) string {
	if len(tax.Categories) == 0 {
		return "Nenhuma categoria cadastrada.\n"
	}
	return "Categorias válidas do orçamento:\n- " + strings.Join(tax.Categories, "\n- ") + "\n"
}

func accountsBlock(accounts []string) string {
	if len(accounts) == 0 {
		return "Nenhuma conta cadastrada.\n"
	}
	return "Contas conhecidas:\n- " + strings.Join(accounts, "\n- ") + "\n"
}

const strictJSONRules = "Responda SOMENTE com JSON válido.\n" +
	"NÃO use cercas de código, NÃO use ```json nem Markdown.\n" +
	"Não inclua comentários nem texto fora do JSON.\n"

// receiptPrompt asks for a structured readout of a receipt photo.
func receiptPrompt(tax *domain.Taxonomy) string {
	return "Você é um leitor de cupons fiscais e notas de supermercado brasileiras.\n\n" +
		"Tarefa:\n" +
		"- Leia TODOS os itens do cupom anexado.\n" +
		"- Classifique cada item em uma das categorias válidas abaixo.\n" +
		"- Se nenhuma categoria servir, use o nome de categoria que julgar correto mesmo assim.\n\n" +
		"Formato de saída, um único objeto JSON:\n" +
		"{\n" +
		"  \"estabelecimento\": string,\n" +
		"  \"data\": string \"YYYY-MM-DD\" ou null,\n" +
		"  \"itens\": [ { \"descricao\": string, \"valor\": number, \"categoria\": string } ]\n" +
		"}\n\n" +
		categoriesBlock(tax) + "\n" +
		strictJSONRules
}

// intakePrompt asks the model to classify a free-text statement as an
// expense or a transfer and extract its fields.
func intakePrompt(text string, tax *domain.Taxonomy) string {
	return "Você interpreta mensagens curtas sobre finanças pessoais em português.\n\n" +
		"Mensagem do usuário:\n" + text + "\n\n" +
		"Decida se a mensagem descreve um GASTO ou uma TRANSFERÊNCIA entre contas.\n" +
		"Formato de saída, um único objeto JSON:\n" +
		"{\n" +
		"  \"tipo\": \"gasto\" ou \"transferencia\",\n" +
		"  \"valor\": number,\n" +
		"  \"descricao\": string,\n" +
		"  \"categoria\": string ou null (apenas para gasto),\n" +
		"  \"conta\": string ou null (apenas para gasto),\n" +
		"  \"conta_origem\": string ou null (apenas para transferencia),\n" +
		"  \"conta_destino\": string ou null (apenas para transferencia),\n" +
		"  \"data\": string \"YYYY-MM-DD\" ou null\n" +
		"}\n\n" +
		categoriesBlock(tax) +
		accountsBlock(tax.Accounts) + "\n" +
		strictJSONRules
}

// editPrompt asks for patch operations against the current draft.
func editPrompt(draftJSON, instruction string, tax *domain.Taxonomy) string {
	return "Você ajusta um rascunho de lançamento financeiro conforme a instrução do usuário.\n\n" +
		"Rascunho atual:\n" + draftJSON + "\n\n" +
		"Instrução do usuário:\n" + instruction + "\n\n" +
		"Responda com um array JSON de operações. Operações possíveis:\n" +
		"- {\"op\": \"rename_category\", \"item\": string, \"categoria\": string}\n" +
		"- {\"op\": \"adjust_value\", \"item\": string, \"valor\": number}\n" +
		"- {\"op\": \"add_item\", \"item\": string, \"valor\": number, \"categoria\": string}\n" +
		"- {\"op\": \"remove_item\", \"item\": string}\n" +
		"- {\"op\": \"change_account\", \"conta\": string, \"conta_papel\": \"origem\" ou \"destino\" ou null}\n" +
		"- {\"op\": \"change_date\", \"data\": \"YYYY-MM-DD\"}\n" +
		"- {\"op\": \"set_description\", \"descricao\": string}\n" +
		"- {\"op\": \"set_total\", \"valor\": number}\n\n" +
		"Em rascunhos sem itens, omita o campo \"item\".\n" +
		"Use apenas categorias da lista abaixo. Se a instrução não pedir nenhuma mudança, responda [].\n\n" +
		categoriesBlock(tax) + "\n" +
		strictJSONRules
}

// accountPrompt maps the user's answer onto one of the known accounts.
func accountPrompt(text string, accounts []string) string {
	return fmt.Sprintf("O usuário respondeu %q quando perguntado em qual conta registrar um lançamento.\n\n", text) +
		accountsBlock(accounts) + "\n" +
		"Responda com um único objeto JSON:\n" +
		"{ \"conta\": string }\n" +
		"Use o nome EXATO de uma conta conhecida se a resposta se referir a ela.\n" +
		"Se não corresponder a nenhuma conta conhecida, repita a resposta do usuário como veio.\n\n" +
		strictJSONRules
}
